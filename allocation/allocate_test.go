package allocation

import (
	"errors"
	"math/rand"
	"testing"

	"agencyflow/apperr"
	"agencyflow/money"
	"agencyflow/ratio"
)

func strPtr(s string) *string { return &s }

func TestAllocate_ThirdsRemainderToAgency(t *testing.T) {
	set := ratio.Set{
		{Type: ratio.TypeAgency, Percent: money.MustPercent("33.34")},
		{Type: ratio.TypeArtist, UserID: strPtr("artist"), Percent: money.MustPercent("33.33")},
		{Type: ratio.TypeProducer, UserID: strPtr("producer"), Percent: money.MustPercent("33.33")},
	}

	shares, err := Allocate(set, 100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := []struct {
		typ    ratio.Type
		amount money.Amount
	}{
		{ratio.TypeArtist, 33},
		{ratio.TypeProducer, 33},
		{ratio.TypeAgency, 34},
	}
	for i, w := range want {
		if shares[i].Type != w.typ || shares[i].Amount != w.amount {
			t.Fatalf("share %d: got %s %d, want %s %d", i, shares[i].Type, shares[i].Amount, w.typ, w.amount)
		}
	}
}

func TestAllocate_SingleAgency(t *testing.T) {
	shares, err := Allocate(ratio.Set{{Type: ratio.TypeAgency, Percent: money.Hundred}}, 7777)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(shares) != 1 || shares[0].Amount != 7777 {
		t.Fatalf("unexpected shares: %+v", shares)
	}
}

func TestAllocate_NoAgencyLastEntryAbsorbs(t *testing.T) {
	set := ratio.Set{
		{Type: ratio.TypeProducer, UserID: strPtr("p"), Percent: 5000},
		{Type: ratio.TypeArtist, UserID: strPtr("a"), Percent: 5000},
	}
	shares, err := Allocate(set, 101)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if shares[0].Type != ratio.TypeArtist || shares[0].Amount != 50 {
		t.Fatalf("artist share: %+v", shares[0])
	}
	if shares[1].Type != ratio.TypeProducer || shares[1].Amount != 51 {
		t.Fatalf("producer should absorb remainder: %+v", shares[1])
	}
}

func TestAllocate_LastAgencyAbsorbs(t *testing.T) {
	set := ratio.Set{
		{Type: ratio.TypeAgency, UserID: strPtr("b-manager"), Percent: 3333},
		{Type: ratio.TypeAgency, Percent: 3333},
		{Type: ratio.TypeArtist, UserID: strPtr("a"), Percent: 3334},
	}
	shares, err := Allocate(set, 10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// canonical: ARTIST a, AGENCY company, AGENCY b-manager
	if shares[2].UserID == nil || *shares[2].UserID != "b-manager" {
		t.Fatalf("expected user agency entry last, got %+v", shares[2])
	}
	if shares[0].Amount != 3 || shares[1].Amount != 3 || shares[2].Amount != 4 {
		t.Fatalf("unexpected amounts: %d %d %d", shares[0].Amount, shares[1].Amount, shares[2].Amount)
	}
}

func TestAllocate_RejectsNonPositiveTotal(t *testing.T) {
	set := ratio.Set{{Type: ratio.TypeAgency, Percent: money.Hundred}}
	for _, total := range []money.Amount{0, -5} {
		if _, err := Allocate(set, total); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("total %d: expected validation error, got %v", total, err)
		}
	}
}

func TestAllocate_RejectsInvalidSnapshot(t *testing.T) {
	_, err := Allocate(ratio.Set{{Type: ratio.TypeAgency, Percent: 9000}}, 100)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAllocate_SumAlwaysExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []ratio.Type{ratio.TypeArtist, ratio.TypeProducer, ratio.TypeAgency}

	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(6)
		remaining := int64(money.Hundred)
		set := make(ratio.Set, 0, n)
		for i := 0; i < n; i++ {
			var p int64
			if i == n-1 {
				p = remaining
			} else {
				p = 1 + rng.Int63n(remaining-int64(n-i-1))
			}
			remaining -= p
			uid := string(rune('a' + i))
			set = append(set, ratio.Entry{Type: types[rng.Intn(len(types))], UserID: &uid, Percent: money.Percent(p)})
		}
		total := money.Amount(1 + rng.Int63n(10_000_000))

		shares, err := Allocate(set, total)
		if err != nil {
			t.Fatalf("iteration %d: %v (set %v)", iter, err, set)
		}
		if got := Sum(shares); got != total {
			t.Fatalf("iteration %d: sum %d != total %d", iter, got, total)
		}
		for _, s := range shares {
			if s.Amount < 0 {
				t.Fatalf("iteration %d: negative share %+v", iter, s)
			}
		}
	}
}
