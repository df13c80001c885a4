// Package breach implements threshold-based breach detection over reported
// security event patterns.
package breach

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Common errors.
var (
	ErrInvalidRule   = errors.New("invalid breach rule")
	ErrBuiltinRule   = errors.New("built-in rules cannot be modified or removed")
	ErrRuleNotFound  = errors.New("breach rule not found")
	ErrNoLedger      = errors.New("no ledger configured")
	ErrNoAlerter     = errors.New("no alert dispatcher configured")
	ErrUnknownAction = errors.New("unknown detection action")
)

// Severity is the rule severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Action is a response executed when a rule trips.
type Action string

const (
	ActionLog            Action = "log"
	ActionAlert          Action = "alert"
	ActionBlock          Action = "block"
	ActionNotifyAdmin    Action = "notify_admin"
	ActionCreateIncident Action = "create_incident"
)

// Rule is a threshold rule: it trips when Threshold events matching
// EventPattern arrive within WindowSeconds.
type Rule struct {
	ID                        string   `json:"id" yaml:"id" validate:"required,max=128"`
	Name                      string   `json:"name" yaml:"name" validate:"required,max=256"`
	Description               string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity                  Severity `json:"severity" yaml:"severity" validate:"required,oneof=low medium high critical"`
	EventPattern              string   `json:"event_pattern" yaml:"event_pattern" validate:"required"`
	Threshold                 int      `json:"threshold" yaml:"threshold" validate:"gte=1"`
	WindowSeconds             int      `json:"window_seconds" yaml:"window_seconds" validate:"gte=1"`
	Actions                   []Action `json:"actions" yaml:"actions" validate:"required,min=1,dive,oneof=log alert block notify_admin create_incident"`
	NotificationRequired      bool     `json:"notification_required" yaml:"notification_required"`
	NotificationDeadlineHours int      `json:"notification_deadline_hours,omitempty" yaml:"notification_deadline_hours,omitempty" validate:"gte=0"`

	// Builtin is set by the engine for reserved rules and never persisted.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`

	pattern Pattern
}

var validate = validator.New()

// Validate checks the rule's fields.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, strings.Join(parts, ", "))
		}
		return fmt.Errorf("%w %q: %v", ErrInvalidRule, r.ID, err)
	}
	if r.NotificationRequired && r.NotificationDeadlineHours == 0 {
		return fmt.Errorf("%w %q: notification_deadline_hours required when notification is required", ErrInvalidRule, r.ID)
	}
	return nil
}

// HasAction reports whether the rule executes a.
func (r *Rule) HasAction(a Action) bool {
	for _, action := range r.Actions {
		if action == a {
			return true
		}
	}
	return false
}

// Pattern returns the compiled event pattern.
func (r *Rule) Pattern() Pattern { return r.pattern }

func (r *Rule) clone() *Rule {
	c := *r
	c.Actions = append([]Action(nil), r.Actions...)
	return &c
}
