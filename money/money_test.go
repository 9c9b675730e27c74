package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePercent(t *testing.T) {
	cases := []struct {
		in      string
		want    Percent
		wantErr error
	}{
		{"33.33", 3333, nil},
		{"100", 10000, nil},
		{"0.01", 1, nil},
		{" 12.5 ", 1250, nil},
		{"-1", -100, nil},
		{"33.333", 0, ErrPercentPrecision},
		{"abc", 0, ErrPercentFormat},
		{"", 0, ErrPercentFormat},
		{"184467440737095616.16", 0, ErrPercentRange},
		{"92233720368547758.08", 0, ErrPercentRange},
		{"-92233720368547758.09", 0, ErrPercentRange},
	}
	for _, tc := range cases {
		got, err := ParsePercent(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParsePercent(%q) error = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePercent(%q) unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePercent(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPercentString(t *testing.T) {
	if s := Percent(3334).String(); s != "33.34" {
		t.Fatalf("String() = %q", s)
	}
	if s := Hundred.String(); s != "100.00" {
		t.Fatalf("String() = %q", s)
	}
}

func TestPercentJSON(t *testing.T) {
	var body struct {
		A Percent `json:"a"`
		B Percent `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"33.33","b":66.67}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.A != 3333 || body.B != 6667 {
		t.Fatalf("unexpected values: %+v", body)
	}
	out, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":"33.33","b":"66.67"}` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestShareFloors(t *testing.T) {
	cases := []struct {
		total Amount
		p     Percent
		want  Amount
	}{
		{100, 3333, 33},
		{100, 3334, 33},
		{7777, 10000, 7777},
		{1, 5000, 0},
		{999, 3333, 332},
	}
	for _, tc := range cases {
		if got := Share(tc.total, tc.p); got != tc.want {
			t.Fatalf("Share(%d, %d) = %d, want %d", tc.total, tc.p, got, tc.want)
		}
	}
}
