package id

import "github.com/google/uuid"

// New returns a random run identifier.
func New() string {
	return uuid.NewString()
}
