// Package secret abstracts where credentials come from.
package secret

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no store holds the named secret.
var ErrNotFound = errors.New("secret: not found")

// Store resolves a named secret (a certificate password, an API key).
type Store interface {
	Get(ctx context.Context, name string) (string, error)
}
