// Package uuid generates and validates record identifiers.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Record ids are UUID v4 or v7: xxxxxxxx-xxxx-Vxxx-yxxx-xxxxxxxxxxxx
// where V is the version and y is one of [8, 9, a, b] (variant bits).
var recordIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewRecordID generates a time-ordered UUID v7 for a locally created record.
// Falls back to v4 if the clock source fails.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewFromString parses a record id.
// Returns an error if the string is not a valid v4 or v7 UUID.
func NewFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a valid record id.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return recordIDRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid record id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid record id format: %q", s)
	}
	return nil
}
