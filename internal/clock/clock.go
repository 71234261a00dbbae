// Package clock implements the one-shot hourly/daily/midnight triggers
// that drive the event loop's periodic housekeeping. Each
// trigger fires at most once per period: firing advances its next-fire
// timestamp by exactly one period, so a missed tick is never coalesced
// with the next one but is also never lost below one period's
// resolution.
package clock

import "time"

// EventTimer tracks the next fire time for each of the three triggers the
// event loop consults once per cycle.
type EventTimer struct {
	hourNext     time.Time
	dayNext      time.Time
	midnightNext time.Time
}

// NewEventTimer starts all three triggers counting from now: the hourly
// and daily triggers one period out, and midnight at the next UTC day
// boundary.
func NewEventTimer(now time.Time) *EventTimer {
	return &EventTimer{
		hourNext:     now.Add(time.Hour),
		dayNext:      now.AddDate(0, 0, 1),
		midnightNext: nextMidnight(now),
	}
}

// DailyTrigger reports whether the daily housekeeping period has elapsed,
// advancing its next-fire time by one day if so.
func (e *EventTimer) DailyTrigger(now time.Time) bool {
	if now.After(e.dayNext) {
		e.dayNext = now.AddDate(0, 0, 1)
		return true
	}
	return false
}

// HourlyTrigger reports whether the hourly stats period has elapsed,
// advancing its next-fire time by one hour if so.
func (e *EventTimer) HourlyTrigger(now time.Time) bool {
	if now.After(e.hourNext) {
		e.hourNext = now.Add(time.Hour)
		return true
	}
	return false
}

// MidnightTrigger reports whether UTC midnight has passed since the last
// fire, advancing its next-fire time to the following midnight if so.
func (e *EventTimer) MidnightTrigger(now time.Time) bool {
	if now.After(e.midnightNext) {
		e.midnightNext = nextMidnight(now)
		return true
	}
	return false
}

func nextMidnight(now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}
