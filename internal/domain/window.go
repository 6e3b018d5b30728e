package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a recurring daily span in minutes since local midnight. Start is
// inclusive, End exclusive. End before Start wraps past midnight; Start equal
// to End is empty.
type Window struct {
	Start int
	End   int
}

// ParseWindow reads "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q, expected HH:MM-HH:MM", s)
	}
	start, err := ParseClock(a)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(b)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

// ParseClock reads "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func FormatClock(min int) string {
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

func (w Window) String() string {
	return FormatClock(w.Start) + "-" + FormatClock(w.End)
}

func (w Window) Empty() bool { return w.Start == w.End }

func (w Window) Wraps() bool { return w.End < w.Start }

// ContainsMinute reports whether minute-of-day m falls inside w.
func (w Window) ContainsMinute(m int) bool {
	switch {
	case w.Empty():
		return false
	case w.Wraps():
		return m >= w.Start || m < w.End
	default:
		return m >= w.Start && m < w.End
	}
}

// Contains evaluates t in its own location.
func (w Window) Contains(t time.Time) bool {
	return w.ContainsMinute(t.Hour()*60 + t.Minute())
}

// NextStart is the first instant strictly after t at which w opens.
func (w Window) NextStart(t time.Time) time.Time {
	return nextClock(t, w.Start)
}

// NextEnd is the first instant strictly after t at which w closes.
func (w Window) NextEnd(t time.Time) time.Time {
	return nextClock(t, w.End)
}

func nextClock(t time.Time, minute int) time.Time {
	y, mo, d := t.Date()
	at := time.Date(y, mo, d, minute/60, minute%60, 0, 0, t.Location())
	if !at.After(t) {
		at = time.Date(y, mo, d+1, minute/60, minute%60, 0, 0, t.Location())
	}
	return at
}
