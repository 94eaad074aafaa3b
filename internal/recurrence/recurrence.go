// Package recurrence computes the next occurrence window of a recurring timer.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"timerbot/internal/timer"
)

var (
	ErrNotRecurring = errors.New("timer does not recur")
	ErrUnknownRule  = errors.New("unknown recurrence rule")
)

// Next advances start and end by one interval of r, computed in UTC.
func Next(start, end time.Time, r timer.Recurrence) (time.Time, time.Time, error) {
	return NextIn(start, end, r, time.UTC)
}

// NextIn is Next with calendar arithmetic done in loc, so a timer keeps its
// local wall-clock time across DST changes. Results are UTC.
//
// Weekly and biweekly results stay on the weekday of the input. Monthly and
// annual results keep the day of month, clamped to the last day of the
// target month (Jan 31 -> Feb 29 in a leap year).
func NextIn(start, end time.Time, r timer.Recurrence, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	step, err := stepFor(r)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	ns := step(start.In(loc)).UTC()
	ne := step(end.In(loc)).UTC()
	if ne.Before(ns) {
		// Clamping can pull end before start when they straddle a month end.
		ne = ns
	}
	return ns, ne, nil
}

func stepFor(r timer.Recurrence) (func(time.Time) time.Time, error) {
	switch r {
	case timer.Weekly:
		return func(t time.Time) time.Time { return onWeekday(addDays(t, 7), t.Weekday()) }, nil
	case timer.Biweekly:
		return func(t time.Time) time.Time { return onWeekday(addDays(t, 14), t.Weekday()) }, nil
	case timer.Monthly:
		return func(t time.Time) time.Time { return addMonths(t, 1) }, nil
	case timer.Annually:
		return func(t time.Time) time.Time { return addMonths(t, 12) }, nil
	case timer.None, "":
		return nil, ErrNotRecurring
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, r)
	}
}

// addDays adds calendar days, keeping the wall-clock time in t's location.
func addDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// onWeekday moves t to weekday wd within t's Sunday-based week.
func onWeekday(t time.Time, wd time.Weekday) time.Time {
	return t.AddDate(0, 0, int(wd)-int(t.Weekday()))
}

// addMonths adds n calendar months without overflowing into the following month.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
