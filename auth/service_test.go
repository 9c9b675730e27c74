package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agencyflow/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(testSecret)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc.WithClock(func() time.Time { return now })
}

func TestService_IssueAndVerify(t *testing.T) {
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	token, err := svc.Issue("user-1", RoleFinance, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	actor, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor.ID != "user-1" || actor.Role != RoleFinance {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestService_RejectsWeakSecret(t *testing.T) {
	if _, err := NewService("short"); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestService_VerifyRejects(t *testing.T) {
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	expired, err := svc.Issue("user-1", RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	later := newTestService(t, now.Add(2*time.Minute))

	otherKey, err := NewService("ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	foreign, err := otherKey.WithClock(func() time.Time { return now }).Issue("user-1", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "user-1",
		Role:   "client",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "user-1", Role: RoleAdmin}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]struct {
		svc   *Service
		token string
	}{
		"empty":     {svc, ""},
		"garbage":   {svc, "not-a-token"},
		"expired":   {later, expired},
		"wrong key": {svc, foreign},
		"bad role":  {svc, badRole},
		"no expiry": {svc, noExpiry},
		"alg none":  {svc, "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJ1c2VyX2lkIjoidSIsInJvbGUiOiJhZG1pbiJ9."},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.svc.VerifyToken(tc.token)
			if !errors.Is(err, ErrInvalidToken) || !errors.Is(err, apperr.ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleLegal, PermWriteContract, true},
		{RoleFinance, PermWriteContract, false},
		{RoleFinance, PermWriteLedger, true},
		{RoleLegal, PermWriteLedger, false},
		{RoleAdmin, PermDeleteContract, true},
		{RoleLegal, PermDeleteContract, false},
		{RoleFinance, PermRead, true},
		{Role("client"), PermRead, false},
	}
	for _, tc := range cases {
		if got := Allows(tc.role, tc.perm); got != tc.want {
			t.Errorf("Allows(%s, %s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}

	if (Actor{Role: RoleAdmin}).Can(PermRead) {
		t.Fatal("anonymous actor must not be granted anything")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc.def"); !ok || tok != "abc.def" {
		t.Fatalf("unexpected: %q %v", tok, ok)
	}
	if tok, ok := BearerToken("bearer xyz"); !ok || tok != "xyz" {
		t.Fatalf("expected case-insensitive scheme, got %q %v", tok, ok)
	}
	for _, h := range []string{"", "Bearer ", "Basic abc"} {
		if _, ok := BearerToken(h); ok {
			t.Fatalf("expected %q to be rejected", h)
		}
	}
}
