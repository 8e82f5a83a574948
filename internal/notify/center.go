// Package notify keeps the user-visible error banners raised by the
// repository layer. Banners are dismissible and expire on their own.
package notify

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/errmap"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxBanners = 20
)

// Banner is one pending notification.
type Banner struct {
	ID        string           `json:"id"`
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Source    string           `json:"source,omitempty"`
	Count     int              `json:"count"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Config controls banner lifetime and text. Templates are keyed by error kind
// (for example "no_internet") and receive a TemplateData value.
type Config struct {
	TTL        time.Duration
	MaxBanners int
	Templates  map[string]string
}

// TemplateData is the value banner templates are executed with.
type TemplateData struct {
	Kind    string
	Message string
	Source  string
	Detail  string
}

// Option customises a Center.
type Option func(*Center)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Center) {
		if now != nil {
			c.now = now
		}
	}
}

// Center collects banners. It is safe for concurrent use.
type Center struct {
	mu        sync.Mutex
	renderer  *Renderer
	templates map[domain.ErrorKind]*Template
	ttl       time.Duration
	max       int
	banners   []Banner
	now       func() time.Time
	logger    *slog.Logger
}

// NewCenter compiles cfg's templates and returns an empty Center.
func NewCenter(cfg Config, logger *slog.Logger, opts ...Option) (*Center, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Center{
		renderer: NewRenderer(),
		now:      time.Now,
		logger:   logger.With(slog.String("agent", "notify")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Configure(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure swaps lifetime and templates. Nothing changes when any template
// fails to compile.
func (c *Center) Configure(cfg Config) error {
	compiled := make(map[domain.ErrorKind]*Template, len(cfg.Templates))
	var errs []error
	for kind, source := range cfg.Templates {
		tmpl, err := c.renderer.Compile(kind, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tmpl != nil {
			compiled[domain.ErrorKind(kind)] = tmpl
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	limit := cfg.MaxBanners
	if limit <= 0 {
		limit = DefaultMaxBanners
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = compiled
	c.ttl = ttl
	c.max = limit
	return nil
}

// Notify raises a banner for err. A nil err raises nothing. An active banner
// with the same kind and text is extended instead of duplicated.
func (c *Center) Notify(source string, err error) (Banner, bool) {
	if err == nil {
		return Banner{}, false
	}
	de := errmap.Map(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	message := c.renderLocked(source, de)

	for i := range c.banners {
		b := &c.banners[i]
		if b.Kind == de.Kind && b.Message == message {
			b.Count++
			b.ExpiresAt = now.Add(c.ttl)
			return *b, true
		}
	}

	banner := Banner{
		ID:        uuid.NewString(),
		Kind:      de.Kind,
		Message:   message,
		Source:    source,
		Count:     1,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.banners = append(c.banners, banner)
	if over := len(c.banners) - c.max; over > 0 {
		c.banners = append([]Banner(nil), c.banners[over:]...)
	}
	c.logger.Debug("banner raised",
		slog.String("id", banner.ID),
		slog.String("kind", string(banner.Kind)),
		slog.String("source", source),
	)
	return banner, true
}

func (c *Center) renderLocked(source string, de *domain.Error) string {
	message := de.Message
	if message == "" {
		message = domain.DefaultMessage(de.Kind)
	}
	tmpl, ok := c.templates[de.Kind]
	if !ok {
		return message
	}
	data := TemplateData{Kind: string(de.Kind), Message: message, Source: source}
	if de.Cause != nil {
		data.Detail = de.Cause.Error()
	}
	out, err := tmpl.Render(data)
	if err != nil || out == "" {
		if err != nil {
			c.logger.Warn("banner template failed", slog.String("kind", string(de.Kind)), slog.Any("error", err))
		}
		return message
	}
	return out
}

// Active returns the unexpired banners, oldest first.
func (c *Center) Active() []Banner {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	out := make([]Banner, len(c.banners))
	copy(out, c.banners)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Dismiss removes the banner with id and reports whether it was active.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	for i, b := range c.banners {
		if b.ID == id {
			c.banners = append(c.banners[:i], c.banners[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every banner.
func (c *Center) Clear() {
	c.mu.Lock()
	c.banners = nil
	c.mu.Unlock()
}

// TTL reports the current banner lifetime.
func (c *Center) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *Center) pruneLocked(now time.Time) {
	kept := c.banners[:0]
	for _, b := range c.banners {
		if now.Before(b.ExpiresAt) {
			kept = append(kept, b)
		}
	}
	c.banners = kept
}
