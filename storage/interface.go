// Package storage provides the persistent key-value stores the client keeps its
// credential, device identifier and notification list in.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has never been set or was deleted.
var ErrNotFound = errors.New("storage: key not found")

// KeyValueStore is a string key-value store that survives application restarts.
type KeyValueStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set overwrites the value for key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying resources.
	Close() error
}
