package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", fmt.Errorf("ratio: validate: %w", ErrValidation), KindValidation},
		{"not active", fmt.Errorf("settlement: create: %w", ErrNotActive), KindNotActive},
		{"locked", ErrSettlementLocked, KindSettlementLocked},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Fatalf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPgClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "settlements_contract_income_date_key"})
	if !IsUniqueViolation(unique, "") {
		t.Fatal("expected unique violation")
	}
	if !IsUniqueViolation(unique, "settlements_contract_income_date_key") {
		t.Fatal("expected unique violation on named constraint")
	}
	if IsUniqueViolation(unique, "other") {
		t.Fatal("constraint name should be matched")
	}
	if IsConflict(unique) {
		t.Fatal("unique violation is not a lock conflict")
	}

	for _, code := range []string{CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable} {
		if !IsConflict(&pgconn.PgError{Code: code}) {
			t.Fatalf("expected %s to be a conflict", code)
		}
	}
	if PgCode(errors.New("plain")) != "" {
		t.Fatal("expected empty code for non-pg error")
	}
}
