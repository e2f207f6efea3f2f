// Package schedule parses and evaluates recurring submission schedules.
// Operators write a schedule as a cron expression (gronx shorthands like
// @daily included), "@every <duration>", or "@at <RFC3339 time>"; the
// store keeps the JSON-encoded Spec.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Spec is one submission schedule in its stored form.
type Spec struct {
	Kind  string    `json:"kind"`
	Cron  string    `json:"cron,omitempty"`
	Every string    `json:"every,omitempty"` // Go duration string
	At    time.Time `json:"at,omitempty"`
}

// Parse accepts any supported input form: a JSON-encoded Spec, an
// "@every <duration>" interval, an "@at <RFC3339>" one-shot, or a cron
// expression.
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		var s Spec
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Spec{}, fmt.Errorf("decode schedule: %w", err)
		}
		return s, s.validate()
	}
	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		s := Spec{Kind: KindEvery, Every: strings.TrimSpace(rest)}
		return s, s.validate()
	}
	if rest, ok := strings.CutPrefix(raw, "@at "); ok {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return Spec{}, fmt.Errorf("parse one-shot time: %w", err)
		}
		return Spec{Kind: KindAt, At: at}, nil
	}

	s := Spec{Kind: KindCron, Cron: raw}
	return s, s.validate()
}

// Decode restores a Spec from its stored JSON form.
func Decode(stored string) (Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(stored), &s); err != nil {
		return Spec{}, fmt.Errorf("decode schedule: %w", err)
	}
	return s, s.validate()
}

// Encode returns the JSON form persisted in the store.
func (s Spec) Encode() (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s Spec) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.Cron) {
			return fmt.Errorf("invalid cron expression %q", s.Cron)
		}
	case KindEvery:
		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", s.Every, err)
		}
		if d <= 0 {
			return fmt.Errorf("interval %q must be positive", s.Every)
		}
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("one-shot schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after now, or nil when the
// schedule has no future run.
func (s Spec) Next(now time.Time) *time.Time {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.Cron, now, false)
		if err != nil {
			return nil
		}
		return &next
	case KindEvery:
		d, err := time.ParseDuration(s.Every)
		if err != nil || d <= 0 {
			return nil
		}
		next := now.Add(d)
		return &next
	case KindAt:
		if s.At.After(now) {
			at := s.At
			return &at
		}
	}
	return nil
}

// String renders the schedule for operators.
func (s Spec) String() string {
	switch s.Kind {
	case KindCron:
		return s.Cron
	case KindEvery:
		return "every " + s.Every
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	}
	return s.Kind
}

// Describe renders a stored schedule, falling back to the raw value when
// it cannot be decoded.
func Describe(stored string) string {
	s, err := Decode(stored)
	if err != nil {
		return stored
	}
	return s.String()
}
