package models

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Period is either an instant (End only) or a duration (Start and End).
// Dates carry no time of day.
type Period struct {
	Type  PeriodType `json:"type"`
	Start *time.Time `json:"start,omitempty"`
	End   time.Time  `json:"end"`
}

// InstantPeriod builds an instant period at end.
func InstantPeriod(end time.Time) Period {
	return Period{Type: PeriodInstant, End: truncateDate(end)}
}

// DurationPeriod builds a duration period from start to end.
func DurationPeriod(start, end time.Time) Period {
	s := truncateDate(start)
	return Period{Type: PeriodDuration, Start: &s, End: truncateDate(end)}
}

// ID returns the deterministic identifier of the period:
// "I:2024-12-31" for instants and "D:2024-01-01/2024-12-31" for durations.
func (p Period) ID() string {
	if p.Type == PeriodInstant || p.Start == nil {
		return "I:" + p.End.Format(dateLayout)
	}
	return "D:" + p.Start.Format(dateLayout) + "/" + p.End.Format(dateLayout)
}

// Equal reports whether two periods have the same type, start and end.
func (p Period) Equal(o Period) bool {
	if p.Type != o.Type || !sameDate(p.End, o.End) {
		return false
	}
	if (p.Start == nil) != (o.Start == nil) {
		return false
	}
	return p.Start == nil || sameDate(*p.Start, *o.Start)
}

// Covers reports whether a fact reported for f belongs to a report column
// for period p. Duration facts must match exactly; instant facts match when
// they fall on the column's end date.
func (p Period) Covers(f Period) bool {
	if f.Type == PeriodInstant {
		return sameDate(f.End, p.End)
	}
	return p.Equal(f)
}

// Before orders periods by end date, then by start date.
func (p Period) Before(o Period) bool {
	if !sameDate(p.End, o.End) {
		return p.End.Before(o.End)
	}
	switch {
	case p.Start == nil && o.Start == nil:
		return false
	case p.Start == nil:
		return false
	case o.Start == nil:
		return true
	}
	return p.Start.Before(*o.Start)
}

// ParsePeriodID is the inverse of Period.ID.
func ParsePeriodID(id string) (Period, error) {
	kind, rest, ok := strings.Cut(id, ":")
	if !ok {
		return Period{}, fmt.Errorf("invalid period id %q", id)
	}
	switch kind {
	case "I":
		end, err := time.Parse(dateLayout, rest)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period id %q: %w", id, err)
		}
		return InstantPeriod(end), nil
	case "D":
		from, to, ok := strings.Cut(rest, "/")
		if !ok {
			return Period{}, fmt.Errorf("invalid period id %q", id)
		}
		start, err := time.Parse(dateLayout, from)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period id %q: %w", id, err)
		}
		end, err := time.Parse(dateLayout, to)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period id %q: %w", id, err)
		}
		if end.Before(start) {
			return Period{}, fmt.Errorf("invalid period id %q: end before start", id)
		}
		return DurationPeriod(start, end), nil
	}
	return Period{}, fmt.Errorf("invalid period id %q", id)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(s))
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
