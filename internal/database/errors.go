package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	ErrCodeUniqueViolation     = "23505"
	ErrCodeCheckViolation      = "23514"
	ErrCodeSerializationFailed = "40001"
	ErrCodeLockNotAvailable    = "55P03"
)

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsUniqueViolation reports a duplicate primary key, e.g. re-inserting an outbox event id.
func IsUniqueViolation(err error) bool {
	return hasCode(err, ErrCodeUniqueViolation)
}

// IsCheckViolation reports a rejected status value.
func IsCheckViolation(err error) bool {
	return hasCode(err, ErrCodeCheckViolation)
}

// IsRetryable reports errors a relay run can simply retry on the next tick.
func IsRetryable(err error) bool {
	return hasCode(err, ErrCodeSerializationFailed) || hasCode(err, ErrCodeLockNotAvailable)
}

// IsNoRows reports an empty single-row result.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ConstraintName returns the violated constraint, if any.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
