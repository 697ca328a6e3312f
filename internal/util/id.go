package util

import "github.com/google/uuid"

// NewID returns a random UUID string. Ids are used as path segments and
// storage keys, so they must stay URL and filename safe.
func NewID() string {
	return uuid.NewString()
}
