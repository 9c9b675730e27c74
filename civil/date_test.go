package civil

import (
	"testing"
	"time"
)

func TestDateOf_KeepsLocalCalendarDay(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	late := time.Date(2024, 5, 20, 23, 30, 0, 0, seoul)
	got := DateOf(late)
	if want := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("DateOf = %v, want %v", got, want)
	}
}

func TestParseAndFormat(t *testing.T) {
	d, err := Parse(" 2024-02-29 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if Format(d) != "2024-02-29" {
		t.Fatalf("unexpected format %q", Format(d))
	}
	for _, bad := range []string{"2023-02-29", "20240101", "2024-1-1", ""} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestAddDaysAndMonthOf(t *testing.T) {
	d := time.Date(2024, 12, 30, 18, 0, 0, 0, time.UTC)
	if got := AddDays(d, 3); Format(got) != "2025-01-02" {
		t.Fatalf("AddDays = %s", Format(got))
	}
	if got := MonthOf(d); Format(got) != "2024-12-01" {
		t.Fatalf("MonthOf = %s", Format(got))
	}
}
