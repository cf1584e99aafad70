// Package submission defines the queued unit of work and its validation.
package submission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
	StatusInvalid Status = "invalid"
)

// DefaultLocale is used when a payload carries no locale.
const DefaultLocale = "en"

// Locales lists the language tags the remote endpoint accepts.
var Locales = []string{"en", "ht"}

// Payload is the domain data delivered to the remote endpoint.
type Payload struct {
	Text   string `json:"text" validate:"required"`
	Locale string `json:"locale" validate:"oneof=en ht"`
}

// Submission is one queued request awaiting delivery.
type Submission struct {
	ID        int64      `json:"id"`
	Text      string     `json:"symptoms"`
	Locale    string     `json:"language"`
	CreatedAt time.Time  `json:"timestamp"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// Payload returns the deliverable part of s.
func (s Submission) Payload() Payload {
	return Payload{Text: s.Text, Locale: s.Locale}
}

// Eligible reports whether s should be attempted by the next sync pass.
// Failed items stay eligible without going back to pending.
func (s Submission) Eligible() bool {
	return s.Status == StatusPending || s.Status == StatusFailed
}

// ValidationError reports a payload that cannot be queued.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid submission: " + e.Reason
	}
	return fmt.Sprintf("invalid submission: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims the payload, applies the default locale and validates it.
func Normalize(p Payload) (Payload, error) {
	p.Text = strings.TrimSpace(p.Text)
	p.Locale = strings.ToLower(strings.TrimSpace(p.Locale))
	if p.Locale == "" {
		p.Locale = DefaultLocale
	}

	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return Payload{}, &ValidationError{Reason: err.Error()}
		}
		ve := &ValidationError{}
		var reasons []string
		for _, fe := range fieldErrs {
			ve.Fields = append(ve.Fields, strings.ToLower(fe.Field()))
			reasons = append(reasons, describe(fe))
		}
		ve.Reason = strings.Join(reasons, "; ")
		return Payload{}, ve
	}
	return p, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "text must be a non-empty string"
	case "oneof":
		return fmt.Sprintf("unsupported locale %q, supported: %s", fe.Value(), strings.Join(Locales, ", "))
	default:
		return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
}

// New builds a pending submission from p. The payload is normalized first;
// an invalid payload yields a *ValidationError and no submission.
func New(id int64, p Payload, now time.Time) (Submission, error) {
	p, err := Normalize(p)
	if err != nil {
		return Submission{}, err
	}
	return Submission{
		ID:        id,
		Text:      p.Text,
		Locale:    p.Locale,
		CreatedAt: now.UTC(),
		Status:    StatusPending,
	}, nil
}
