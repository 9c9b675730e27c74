// Package civil handles calendar dates carried as time.Time values pinned to
// midnight UTC.
package civil

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the wire format for dates.
const Layout = "2006-01-02"

// DateOf returns the calendar date of t in t's own location, as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Parse reads a YYYY-MM-DD date.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("civil: invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// Format renders a date as YYYY-MM-DD.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// AddDays moves a date by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return DateOf(t).AddDate(0, 0, n)
}

// MonthOf returns the first day of t's month.
func MonthOf(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
