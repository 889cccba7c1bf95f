package budgets

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// PeriodType is the cadence of a budget window.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodYearly    PeriodType = "yearly"
)

// ParsePeriodType validates a raw period type.
func ParsePeriodType(raw string) (PeriodType, error) {
	switch pt := PeriodType(raw); pt {
	case PeriodMonthly, PeriodQuarterly, PeriodYearly:
		return pt, nil
	}
	return "", fmt.Errorf("%w: unknown period type %q", shared.ErrValidation, raw)
}

// Window is the half-open interval [Start, End) a budget covers.
type Window struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the windows share any instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

// LastInstant is the inclusive end users see, e.g. Mar 31 23:59:59.999.
func (w Window) LastInstant() time.Time {
	return w.End.Add(-time.Millisecond)
}

// PeriodBounds computes the calendar window of the given type containing
// anchor, in anchor's location.
func PeriodBounds(pt PeriodType, anchor time.Time) (Window, error) {
	loc := anchor.Location()
	year, month, _ := anchor.Date()
	var start time.Time
	var months int
	switch pt {
	case PeriodMonthly:
		start = time.Date(year, month, 1, 0, 0, 0, 0, loc)
		months = 1
	case PeriodQuarterly:
		quarterStart := time.Month((int(month)-1)/3*3 + 1)
		start = time.Date(year, quarterStart, 1, 0, 0, 0, 0, loc)
		months = 3
	case PeriodYearly:
		start = time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
		months = 12
	default:
		return Window{}, fmt.Errorf("%w: unknown period type %q", shared.ErrValidation, pt)
	}
	return Window{Start: start, End: start.AddDate(0, months, 0)}, nil
}
