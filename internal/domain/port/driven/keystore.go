package driven

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KeyStore.Get and KeyStore.Delete when no
// bundle exists under the given reference.
var ErrKeyNotFound = errors.New("key bundle not found")

// ErrEncryptionKeyNotSet is returned by stores that wrap bundles at rest
// when CREDSEAL_MASTER_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set CREDSEAL_MASTER_KEY")

// KeyStore defines the driven port for persisting serialized key bundles.
// Bundles are opaque bytes at this boundary; implementations may wrap them
// at rest but must return exactly what was stored.
type KeyStore interface {
	// Backend returns the short scheme name used in location tokens,
	// such as "file", "sqlite" or "keyring".
	Backend() string

	// Put stores or replaces the bundle under ref.
	Put(ctx context.Context, ref string, bundle []byte) error

	// Get returns the bundle stored under ref, or ErrKeyNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the bundle stored under ref, or returns ErrKeyNotFound.
	Delete(ctx context.Context, ref string) error
}
