// Package periods maps points in time onto calendar-aligned target periods.
//
// All calculations are performed in UTC so that month, quarter and year
// boundaries never shift with daylight-saving transitions.
package periods

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the supported recurrence units.
type Kind string

const (
	Monthly   Kind = "monthly"
	Quarterly Kind = "quarterly"
	Yearly    Kind = "yearly"
)

// ErrUnknownKind indicates an unsupported period kind.
var ErrUnknownKind = errors.New("unknown period kind")

// Kinds lists every supported kind in rollover order.
func Kinds() []Kind {
	return []Kind{Monthly, Quarterly, Yearly}
}

// ParseKind normalises user input into a Kind.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return kind, nil
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case Monthly, Quarterly, Yearly:
		return true
	}
	return false
}

func (k Kind) months() int {
	switch k {
	case Quarterly:
		return 3
	case Yearly:
		return 12
	default:
		return 1
	}
}

// Window is a closed period range ending at 23:59:59.999 on its last day.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.DateOnly) + ", " + w.End.Format(time.DateOnly) + "]"
}

// WindowFor returns the calendar window of the given kind containing ref.
func WindowFor(ref time.Time, kind Kind) (Window, error) {
	if !kind.Valid() {
		return Window{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	ref = ref.UTC()
	month := ref.Month()
	switch kind {
	case Quarterly:
		month = time.Month((int(month)-1)/3*3 + 1)
	case Yearly:
		month = time.January
	}
	start := time.Date(ref.Year(), month, 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: endOf(start, kind)}, nil
}

// NextWindow returns the window beginning the day after currentEnd. It is
// derived from currentEnd only, so a late rollover still advances exactly
// one period.
func NextWindow(currentEnd time.Time, kind Kind) (Window, error) {
	end := currentEnd.UTC()
	nextDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return WindowFor(nextDay, kind)
}

// Label returns the canonical sortable label of the period starting at start:
// "YYYY-MM", "YYYY-Qn" or "YYYY".
func Label(start time.Time, kind Kind) string {
	start = start.UTC()
	switch kind {
	case Quarterly:
		return fmt.Sprintf("%04d-Q%d", start.Year(), (int(start.Month())-1)/3+1)
	case Yearly:
		return fmt.Sprintf("%04d", start.Year())
	default:
		return fmt.Sprintf("%04d-%02d", start.Year(), int(start.Month()))
	}
}

func endOf(start time.Time, kind Kind) time.Time {
	return start.AddDate(0, kind.months(), 0).Add(-time.Millisecond)
}
