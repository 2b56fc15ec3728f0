package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID returns the first 8 chars of a new identifier, used for request ids.
func ShortID() string {
	return NewID()[:8]
}
