package expr

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/calsync/internal/domain"
)

// Operation names the kind of event write being validated.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

// Rule is a named CEL condition that must hold for an event write; Message is
// reported when it does not.
type Rule struct {
	Name       string `koanf:"name"`
	Expression string `koanf:"expression"`
	Message    string `koanf:"message"`
}

// DefaultEventRules are applied when no rules are configured. Order matters:
// the first failing rule's message is returned.
func DefaultEventRules() []Rule {
	return []Rule{
		{Name: "update-id", Expression: `op != "update" || !blank(event.id)`, Message: "Event ID cannot be empty for update operation"},
		{Name: "title-required", Expression: `!blank(event.title)`, Message: "Event title cannot be empty"},
		{Name: "title-length", Expression: `size(event.title) <= 200`, Message: "Event title cannot exceed 200 characters"},
		{Name: "start-valid", Expression: `event.startTime > 0`, Message: "Event start time is invalid"},
		{Name: "end-valid", Expression: `event.endTime > 0`, Message: "Event end time is invalid"},
		{Name: "end-after-start", Expression: `event.isAllDay || event.endTime >= event.startTime`, Message: "Event end time must be after start time"},
		{Name: "all-day-end-after-start", Expression: `!event.isAllDay || event.endTime >= event.startTime`, Message: "Event end date must be on or after start date"},
		{Name: "calendar-required", Expression: `!blank(event.calendarId)`, Message: "Calendar ID cannot be empty"},
	}
}

type compiledRule struct {
	rule    Rule
	program Program
}

// EventValidator evaluates compiled rules against events.
type EventValidator struct {
	rules  []compiledRule
	logger *slog.Logger
	now    func() time.Time
}

// NewEventValidator compiles rules; an empty slice selects DefaultEventRules.
func NewEventValidator(rules []Rule, logger *slog.Logger) (*EventValidator, error) {
	if len(rules) == 0 {
		rules = DefaultEventRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		program, err := env.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("expr: rule %s: %w", name, err)
		}
		rule.Name = name
		if strings.TrimSpace(rule.Message) == "" {
			rule.Message = domain.DefaultMessage(domain.KindValidation)
		}
		compiled = append(compiled, compiledRule{rule: rule, program: program})
	}
	return &EventValidator{
		rules:  compiled,
		logger: logger.With(slog.String("agent", "event_validator")),
		now:    time.Now,
	}, nil
}

// Validate returns a validation *domain.Error for the first rule the event
// breaks, or nil.
func (v *EventValidator) Validate(ev domain.Event, op Operation) error {
	activation := map[string]any{
		"event": eventActivation(ev),
		"op":    string(op),
		"now":   v.now().UnixMilli(),
	}
	for _, cr := range v.rules {
		ok, err := cr.program.EvalBool(activation)
		if err != nil {
			v.logger.Error("rule evaluation failed", slog.String("rule", cr.rule.Name), slog.Any("error", err))
			return domain.NewError(domain.KindValidation, cr.rule.Message, err)
		}
		if !ok {
			v.logger.Debug("event rejected", slog.String("rule", cr.rule.Name), slog.String("event_id", ev.ID))
			return domain.Validation(cr.rule.Message)
		}
	}
	return nil
}

// Rules returns the active rule set.
func (v *EventValidator) Rules() []Rule {
	out := make([]Rule, len(v.rules))
	for i, cr := range v.rules {
		out[i] = cr.rule
	}
	return out
}

func eventActivation(ev domain.Event) map[string]any {
	reminders := make([]any, len(ev.ReminderMinutes))
	for i, m := range ev.ReminderMinutes {
		reminders[i] = int64(m)
	}
	return map[string]any{
		"id":              ev.ID,
		"userId":          ev.UserID,
		"calendarId":      ev.CalendarID,
		"calendarName":    ev.CalendarName,
		"title":           ev.Title,
		"description":     ev.Description,
		"location":        ev.Location,
		"startTime":       ev.StartTime,
		"endTime":         ev.EndTime,
		"isAllDay":        ev.IsAllDay,
		"isRecurring":     ev.IsRecurring,
		"recurringRule":   ev.RecurringRule,
		"reminderMinutes": reminders,
		"color":           ev.Color,
	}
}
