package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for owner identities and
// internally generated job ids.
func NewID() string {
	return uuid.NewString()
}
