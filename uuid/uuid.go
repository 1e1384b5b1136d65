// Package uuid provides the identity type used for aggregates. It wraps
// github.com/google/uuid so that storage back-ends can share a single type.
package uuid

import "github.com/google/uuid"

// UUID is an alias type for github.com/google/uuid.UUID
type UUID = uuid.UUID

// Nil is the identity of an aggregate that has not yet been saved.
var Nil = UUID(uuid.Nil)

// New creates a new random UUID.
func New() UUID {
	return UUID(uuid.New())
}

// Parse parses a UUID from a string, or returns an error.
func Parse(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	return UUID(id), err
}

// MustParse parses a UUID from a string, or panics.
func MustParse(s string) UUID {
	return UUID(uuid.MustParse(s))
}

// ParseOrNil parses s and returns Nil for the empty string. Used when reading
// optional columns back from storage.
func ParseOrNil(s string) (UUID, error) {
	if s == "" {
		return Nil, nil
	}

	return Parse(s)
}
