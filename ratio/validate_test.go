package ratio

import (
	"context"
	"errors"
	"testing"

	"agencyflow/apperr"
	"agencyflow/money"
)

func strPtr(s string) *string { return &s }

func TestValidate(t *testing.T) {
	artist := strPtr("artist-1")
	producer := strPtr("producer-1")

	cases := []struct {
		name  string
		set   Set
		check string
	}{
		{"empty", Set{}, CheckEmpty},
		{"unknown type", Set{{Type: "MANAGER", Percent: money.Hundred}}, CheckType},
		{"zero percent", Set{{Type: TypeArtist, UserID: artist, Percent: 0}, {Type: TypeAgency, Percent: money.Hundred}}, CheckRange},
		{"over hundred", Set{{Type: TypeAgency, Percent: money.Hundred + 1}}, CheckRange},
		{"negative", Set{{Type: TypeArtist, UserID: artist, Percent: -100}, {Type: TypeAgency, Percent: 10100}}, CheckRange},
		{"duplicate stakeholder", Set{
			{Type: TypeArtist, UserID: artist, Percent: 5000},
			{Type: TypeArtist, UserID: strPtr("artist-1"), Percent: 5000},
		}, CheckDuplicate},
		{"duplicate company pool", Set{
			{Type: TypeAgency, Percent: 5000},
			{Type: TypeAgency, Percent: 5000},
		}, CheckDuplicate},
		{"sum below", Set{
			{Type: TypeArtist, UserID: artist, Percent: 3333},
			{Type: TypeProducer, UserID: producer, Percent: 3333},
			{Type: TypeAgency, Percent: 3333},
		}, CheckSum},
		{"valid", Set{
			{Type: TypeArtist, UserID: artist, Percent: 3333},
			{Type: TypeProducer, UserID: producer, Percent: 3333},
			{Type: TypeAgency, Percent: 3334},
		}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.set)
			if tc.check == "" {
				if err != nil {
					t.Fatalf("expected valid set, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Check != tc.check {
				t.Fatalf("expected check %q, got %q", tc.check, verr.Check)
			}
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected error to match ErrValidation")
			}
		})
	}
}

func TestValidate_SameUserDifferentTypes(t *testing.T) {
	u := strPtr("u-1")
	set := Set{
		{Type: TypeArtist, UserID: u, Percent: 6000},
		{Type: TypeProducer, UserID: u, Percent: 4000},
	}
	if err := Validate(set); err != nil {
		t.Fatalf("distinct types for the same user must be allowed: %v", err)
	}
}

func TestParseEntry(t *testing.T) {
	if _, err := ParseEntry(2, "artist", strPtr("u1"), "33.333"); err == nil {
		t.Fatal("expected precision error")
	} else {
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Check != CheckPrecision || verr.Entries[0] != 2 {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	e, err := ParseEntry(0, " agency ", strPtr("  "), "40")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Type != TypeAgency || e.UserID != nil || e.Percent != 4000 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, err := ParseEntry(1, "boss", nil, "10"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	for _, huge := range []string{"184467440737095616.16", "92233720368547758.08"} {
		_, err := ParseEntry(3, "agency", nil, huge)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Check != CheckRange || verr.Entries[0] != 3 {
			t.Fatalf("ParseEntry(%q) = %v, want range error", huge, err)
		}
	}
}

func TestCanonical(t *testing.T) {
	set := Set{
		{Type: TypeAgency, UserID: strPtr("z"), Percent: 1000},
		{Type: TypeArtist, UserID: strPtr("b"), Percent: 2000},
		{Type: TypeAgency, Percent: 3000},
		{Type: TypeArtist, UserID: strPtr("a"), Percent: 2000},
		{Type: TypeProducer, UserID: strPtr("p"), Percent: 2000},
	}
	got := set.Canonical()
	want := []string{"ARTIST(a)=20.00", "ARTIST(b)=20.00", "PRODUCER(p)=20.00", "AGENCY(company)=30.00", "AGENCY(z)=10.00"}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i], want[i])
		}
	}
	if set[0].Type != TypeAgency {
		t.Fatal("Canonical must not reorder its receiver")
	}
}

type stubLookup map[string]Entry

func (s stubLookup) InternalShare(_ context.Context, userID string) (Entry, error) {
	e, ok := s[userID]
	if !ok {
		return Entry{}, apperr.ErrNotFound
	}
	return e, nil
}

func TestResolve_Derived(t *testing.T) {
	lookup := stubLookup{
		"artist-1": {Type: TypeArtist, Percent: 4000},
		"artist-2": {Type: TypeArtist, Percent: 3500},
		"greedy":   {Type: TypeArtist, Percent: 8000},
	}
	ctx := context.Background()

	set, err := Resolve(ctx, Derived{UserIDs: []string{"artist-1", "artist-2"}}, lookup)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("expected complement entry, got %v", set)
	}
	pool := set[2]
	if pool.Type != TypeAgency || pool.UserID != nil || pool.Percent != 2500 {
		t.Fatalf("unexpected complement: %s", pool)
	}
	if *set[0].UserID != "artist-1" {
		t.Fatalf("derived entries must carry the target user id")
	}

	_, err = Resolve(ctx, Derived{UserIDs: []string{"artist-1", "greedy"}}, lookup)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Check != CheckDerivation {
		t.Fatalf("expected derivation failure for sum > 100, got %v", err)
	}

	_, err = Resolve(ctx, Derived{UserIDs: []string{"ghost"}}, lookup)
	if !errors.As(err, &verr) || verr.Check != CheckDerivation {
		t.Fatalf("expected derivation failure for missing contract, got %v", err)
	}
}

func TestResolve_ManualRejectsInvalid(t *testing.T) {
	_, err := Resolve(context.Background(), Manual{Entries: Set{{Type: TypeAgency, Percent: 9999}}}, nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
