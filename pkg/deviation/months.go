// Package deviation implements the visit-schedule deviation engine: given an
// effective baseline per participant, a month-offset schedule, a
// status-derived follow-up horizon, and an index of performed tests, it
// counts expected tests that were missed or performed outside the grace
// window, then writes the counts back onto each participant's baseline row.
package deviation

import "time"

// AddMonths advances a date by whole calendar months, clamping the day to
// the last valid day of the target month. 2023-01-31 plus one month is
// 2023-02-28, not an overflow into March.
func AddMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
