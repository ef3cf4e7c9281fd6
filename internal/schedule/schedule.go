// Package schedule decides whether new work may start at a given wall-clock time.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Window is a daily time range in zero-padded 24h "HH:MM" form, inclusive on both ends.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

var ErrInvalidWindow = errors.New("invalid schedule window")

// InSchedule reports whether now falls inside at least one window.
// An empty list allows everything.
//
// Bounds are compared as strings, so a window whose end sorts before its start
// (e.g. 22:00-06:00) never matches.
func InSchedule(windows []Window, now time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	hhmm := now.Format("15:04")
	for _, w := range windows {
		if w.Start <= hhmm && hhmm <= w.End {
			return true
		}
	}
	return false
}

// Validate rejects bounds that are not zero-padded HH:MM, which would break
// the chronological order of the string comparison in InSchedule.
func Validate(windows []Window) error {
	for i, w := range windows {
		if !validClock(w.Start) {
			return fmt.Errorf("%w: schedule[%d].start %q", ErrInvalidWindow, i, w.Start)
		}
		if !validClock(w.End) {
			return fmt.Errorf("%w: schedule[%d].end %q", ErrInvalidWindow, i, w.End)
		}
	}
	return nil
}

func validClock(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	return h <= 23 && m <= 59
}
