package mongoutils

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCollectionName is when a collection name is empty.
	ErrMissingCollectionName = errors.New("missing collection name")
	// ErrInvalidCollectionName is when a collection name can't be used by MongoDB.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// CheckCollectionName checks if a collection name is valid for MongoDB.
// Spaces are rejected too, they are hard to see by humans.
func CheckCollectionName(name string) error {
	switch {
	case name == "":
		return ErrMissingCollectionName
	case strings.ContainsAny(name, " $\x00"):
		return fmt.Errorf("%w: invalid char in %q", ErrInvalidCollectionName, name)
	case strings.HasPrefix(name, "system."):
		return fmt.Errorf("%w: reserved prefix in %q", ErrInvalidCollectionName, name)
	}

	return nil
}

// CheckCollectionNames checks several names, which must also be unique.
func CheckCollectionNames(names ...string) error {
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if err := CheckCollectionName(name); err != nil {
			return err
		}

		if seen[name] {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidCollectionName, name)
		}

		seen[name] = true
	}

	return nil
}
