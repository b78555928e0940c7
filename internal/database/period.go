package database

import (
	"fmt"
	"time"
)

// History filter periods.
const (
	PeriodAll   = "all"
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// PeriodStart returns the earliest timestamp included by a history filter.
// "all" yields the zero time.
// today: since local midnight
// week:  the last 7 days
// month: the last 30 days
func PeriodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "", PeriodAll:
		return time.Time{}, nil
	case PeriodToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), nil
	case PeriodMonth:
		return now.AddDate(0, 0, -30), nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q (expected all, today, week or month)", period)
}

// FormatPeriodDisplay formats a history filter for human-readable display.
func FormatPeriodDisplay(period string, now time.Time) string {
	start, err := PeriodStart(period, now)
	if err != nil || start.IsZero() {
		return "All time"
	}
	if period == PeriodToday {
		return start.Format("Jan 02, 2006")
	}
	return fmt.Sprintf("%s - %s", start.Format("Jan 02"), now.Format("Jan 02, 2006"))
}
