package contract

import (
	"testing"
	"time"
)

func TestExpiring_Lookahead(t *testing.T) {
	today := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	c := Contract{
		ID:       "c1",
		Category: CategoryExternal,
		Status:   StatusActive,
		EndDate:  time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}

	if !IsExpiring(c, CategoryExternal, today, 14) {
		t.Fatal("contract ending in 10 days should be included with a 14 day lookahead")
	}
	if IsExpiring(c, CategoryExternal, today, 5) {
		t.Fatal("contract ending in 10 days should be excluded with a 5 day lookahead")
	}
	if !IsExpiring(c, CategoryExternal, today, 10) {
		t.Fatal("upper bound is inclusive")
	}
	if IsExpiring(c, CategoryInternal, today, 30) {
		t.Fatal("category must match")
	}
}

func TestExpiring_Filters(t *testing.T) {
	today := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	contracts := []Contract{
		{ID: "today", Category: CategoryInternal, Status: StatusConfirmed, EndDate: day(1)},
		{ID: "past", Category: CategoryInternal, Status: StatusActive, EndDate: time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)},
		{ID: "draft", Category: CategoryInternal, Status: StatusDraft, EndDate: day(3)},
		{ID: "terminated", Category: CategoryInternal, Status: StatusTerminated, EndDate: day(3)},
		{ID: "soon", Category: CategoryInternal, Status: StatusActive, EndDate: day(7)},
		{ID: "later", Category: CategoryInternal, Status: StatusActive, EndDate: day(20)},
	}

	got := Expiring(contracts, CategoryInternal, today, 7)
	if len(got) != 2 || got[0].ID != "today" || got[1].ID != "soon" {
		ids := make([]string, 0, len(got))
		for _, c := range got {
			ids = append(ids, c.ID)
		}
		t.Fatalf("unexpected expiring set: %v", ids)
	}
}
