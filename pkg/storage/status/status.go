// Package status declares the sentinel errors returned by storage backends.
package status

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates the requested key is absent from the store
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey indicates a key that would escape the store's key space
	ErrInvalidKey = errors.New("invalid key")
)
