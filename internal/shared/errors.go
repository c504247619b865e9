package shared

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates a user, role, permission, context or resource is missing.
	ErrNotFound = errors.New("not found")
	// ErrInactive indicates the target entity exists but is not active.
	ErrInactive = errors.New("inactive")
	// ErrPolicyViolation indicates an administrative restriction (MFA, approval, cap, system role).
	ErrPolicyViolation = errors.New("policy violation")
	// ErrConflict indicates a duplicate grant or duplicate override.
	ErrConflict = errors.New("conflict")
	// ErrTimeout indicates an external fetch exceeded its bound.
	ErrTimeout = errors.New("timeout")
)

// NotFoundf wraps ErrNotFound with a formatted detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Inactivef wraps ErrInactive with a formatted detail.
func Inactivef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInactive)...)
}

// PolicyViolationf wraps ErrPolicyViolation with a formatted detail.
func PolicyViolationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPolicyViolation)...)
}

// Conflictf wraps ErrConflict with a formatted detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

const pgUniqueViolation = "23505"

// MapPgError converts well-known Postgres failures into the domain taxonomy.
// Unique violations become ErrConflict so repositories can surface duplicate
// grants and overrides without string matching at call sites.
func MapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}
