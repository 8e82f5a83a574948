package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles banner templates with sprig's text helpers. Helpers that
// reach the process environment or the filesystem are removed so operator
// supplied templates can only format the data they are given.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled banner template. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer constructs a renderer with the restricted sprig function set.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// Compile parses source. Empty or whitespace-only sources return nil without
// error so optional per-kind templates can be left blank.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("notify: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("notify: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the logical template name, usually the error kind.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
