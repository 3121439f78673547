package job

import "github.com/google/uuid"

// NewID creates an opaque unique job identifier. Callers never derive
// meaning from its contents.
func NewID() string {
	return uuid.NewString()
}
