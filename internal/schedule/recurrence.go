package schedule

import (
	"time"

	"fieldroute/internal/model"
)

// NextOccurrence advances a calendar date by one recurrence step. Monthly
// steps keep the day of month, clamped to the last day of a shorter month
// (Jan 31 -> Feb 28 or 29).
func NextOccurrence(from time.Time, p model.RecurrencePattern) (time.Time, bool) {
	d := model.Date(from)
	switch p {
	case model.RecurWeekly:
		return d.AddDate(0, 0, 7), true
	case model.RecurBiweekly:
		return d.AddDate(0, 0, 14), true
	case model.RecurMonthly:
		return addMonthClamped(d), true
	}
	return time.Time{}, false
}

func addMonthClamped(d time.Time) time.Time {
	y, m, day := d.Date()
	first := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}
