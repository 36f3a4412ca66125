package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFoundError names the entity and key of a failed lookup. It matches
// ErrNotFound with errors.Is.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("storage: %s %v: not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, key any) error {
	return &NotFoundError{Entity: entity, Key: key}
}

// wrapGet maps pgx.ErrNoRows to ErrNotFound and wraps everything else.
func wrapGet(err error, entity string, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, key)
	}
	return fmt.Errorf("storage: get %s: %w", entity, err)
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}
