package recurrence

import (
	"fmt"
	"time"
)

// Next computes the next occurrence of a series strictly after now.
//
// The anchor marks the first occurrence of the series and fixes its phase:
// anchor-driven units (day, weekday, week, month, year) advance from the
// anchor until the candidate is strictly after now, so the anchor's
// time-of-day survives across occurrences. minute and hour rules are
// relative to now instead and truncate to the unit boundary, so "every 5
// minutes" lands on minute starts no matter what second the rule was saved.
//
// An anchor strictly in the future is itself the next occurrence for
// anchor-driven units (no advancement). The returned time is always strictly
// after now; if a candidate lands exactly on now the calculator keeps
// advancing by one more interval.
func Next(anchor time.Time, r Rule, now time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}

	switch r.Unit {
	case UnitMinute:
		return now.Add(time.Duration(r.Interval) * time.Minute).Truncate(time.Minute), nil
	case UnitHour:
		t := now.Add(time.Duration(r.Interval) * time.Hour)
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()), nil
	case UnitDay:
		return advance(anchor, now, func(t time.Time, n int) time.Time {
			return anchor.AddDate(0, 0, n*r.Interval)
		}), nil
	case UnitWeek:
		return advance(anchor, now, func(t time.Time, n int) time.Time {
			return anchor.AddDate(0, 0, n*r.Interval*7)
		}), nil
	case UnitMonth:
		return advance(anchor, now, func(t time.Time, n int) time.Time {
			return addMonths(anchor, n*r.Interval)
		}), nil
	case UnitYear:
		return advance(anchor, now, func(t time.Time, n int) time.Time {
			return addMonths(anchor, n*r.Interval*12)
		}), nil
	case UnitWeekday:
		return nextWeekday(anchor, r.Interval, now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, r.Unit)
	}
}

// advance walks the series anchor, anchor+1*step, anchor+2*step, ... and
// returns the first element strictly after now. The step function receives
// the previous candidate and the step count so callers can compute each
// candidate from the anchor (no cumulative drift on clamped months).
func advance(anchor, now time.Time, step func(prev time.Time, n int) time.Time) time.Time {
	candidate := anchor
	for n := 1; !candidate.After(now); n++ {
		candidate = step(candidate, n)
	}
	return candidate
}

// addMonths adds months to t preserving day-of-month and time-of-day where
// the target month has that day, clamping to the month's last day otherwise
// (Jan 31 +1 month = Feb 28, or Feb 29 in a leap year).
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	ty := y + total/12
	tm := time.Month(total%12 + 1)
	if total < 0 {
		// Go's % keeps the sign of the dividend.
		ty = y + (total-11)/12
		tm = time.Month((total%12+12)%12 + 1)
	}
	if last := daysIn(ty, tm); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextWeekday advances from the anchor in business-day steps (interval
// Mon-Fri days per step) until strictly after now. A weekend anchor is
// rolled forward to the next weekday first, so no occurrence ever lands on
// a Saturday or Sunday.
func nextWeekday(anchor time.Time, interval int, now time.Time) time.Time {
	candidate := anchor
	for isWeekend(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for !candidate.After(now) {
		candidate = addWeekdays(candidate, interval)
	}
	return candidate
}

// addWeekdays moves t forward by n business days, skipping Sat/Sun.
func addWeekdays(t time.Time, n int) time.Time {
	for i := 0; i < n; i++ {
		t = t.AddDate(0, 0, 1)
		for isWeekend(t) {
			t = t.AddDate(0, 0, 1)
		}
	}
	return t
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
