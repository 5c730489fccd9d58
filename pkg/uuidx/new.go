// Package uuidx wraps github.com/google/uuid with the v7 defaults
// used throughout the codebase.
package uuidx

import "github.com/google/uuid"

// New generates a new UUIDv7. It panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUIDv7 and returns its string form.
func NewString() string {
	return New().String()
}
