// Package window computes check-in window boundaries and status for a
// scheduled exchange. Pure and deterministic: the outcome resolver must be
// able to re-evaluate it any number of times without side effects.
package window

import "time"

// Status describes where a reference instant falls relative to the window.
type Status struct {
	Start time.Time
	End   time.Time

	IsBefore bool
	IsWithin bool
	IsAfter  bool

	// MinutesUntil is minutes until the window opens (negative once open).
	MinutesUntil int
	// MinutesRemaining is minutes until the window closes (negative once past).
	MinutesRemaining int
}

// Compute derives the window around a scheduled time and classifies now
// against it. The window is inclusive on both ends: a check-in at exactly
// window_end is still valid.
func Compute(scheduled time.Time, before, after time.Duration, now time.Time) Status {
	return FromBounds(scheduled.Add(-before), scheduled.Add(after), now)
}

// FromBounds classifies now against window bounds cached at instance
// creation.
func FromBounds(start, end time.Time, now time.Time) Status {
	s := Status{
		Start:            start,
		End:              end,
		MinutesUntil:     int(start.Sub(now).Minutes()),
		MinutesRemaining: int(end.Sub(now).Minutes()),
	}

	switch {
	case now.Before(start):
		s.IsBefore = true
	case now.After(end):
		s.IsAfter = true
	default:
		s.IsWithin = true
	}
	return s
}
