// Package guard holds the pure checks the closure scheduler applies before it
// closes a business day.
package guard

import (
	"errors"
	"time"
)

var (
	ErrTooEarly = errors.New("closure_window_not_open")
	ErrTooLate  = errors.New("closure_window_passed")
)

// CandidateBusinessDay returns the calendar date of the latest business day
// that should be closed at now. Once today's closure time has passed the
// business day that ended today (yesterday's date) is due, otherwise the one
// before it.
func CandidateBusinessDay(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	closureToday := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if !local.Before(closureToday) {
		return time.Date(y, m, d-1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d-2, 0, 0, 0, 0, loc)
}

// EnsureWithinWindow accepts now only inside [end, end+grace].
func EnsureWithinWindow(now, end time.Time, grace time.Duration) error {
	if now.Before(end) {
		return ErrTooEarly
	}
	if now.After(end.Add(grace)) {
		return ErrTooLate
	}
	return nil
}
