package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a row does not exist or is out of the
	// caller's scope.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("already exists")
)

// isUniqueViolation matches the duplicate-key errors of both backends.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// sqlite: "UNIQUE constraint failed", postgres: SQLSTATE 23505
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "23505")
}
