// Package apperr declares the error kinds shared by the contract and settlement
// services. Typed errors in those packages unwrap to one of these sentinels so
// callers can branch with errors.Is regardless of the diagnostic payload.
package apperr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateSettlement = errors.New("duplicate settlement")
	ErrSettlementLocked    = errors.New("settlement locked")
	ErrNotActive           = errors.New("contract not active")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
)

// Stable kind names exposed on the wire.
const (
	KindValidation          = "ValidationFailed"
	KindInvalidTransition   = "InvalidTransition"
	KindNotFound            = "NotFound"
	KindDuplicateSettlement = "DuplicateSettlement"
	KindSettlementLocked    = "SettlementLocked"
	KindNotActive           = "NotActive"
	KindConcurrencyConflict = "ConcurrencyConflict"
	KindUnauthorized        = "Unauthorized"
	KindForbidden           = "Forbidden"
	KindInternal            = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrValidation, KindValidation},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrNotFound, KindNotFound},
	{ErrDuplicateSettlement, KindDuplicateSettlement},
	{ErrSettlementLocked, KindSettlementLocked},
	{ErrNotActive, KindNotActive},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
}

// Kind returns the wire name of the first sentinel err wraps, or KindInternal.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// Postgres SQLSTATE codes the repositories translate.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// PgCode extracts the SQLSTATE from a pgx error chain.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsConflict reports whether err is a lock or serialization failure that a
// caller may retry.
func IsConflict(err error) bool {
	switch PgCode(err) {
	case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable:
		return true
	}
	return false
}

// IsUniqueViolation reports a 23505 on the given constraint, or on any
// constraint when name is empty.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != CodeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
