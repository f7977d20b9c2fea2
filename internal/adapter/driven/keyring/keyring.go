// Package keyring stores key bundles in the operating system keychain.
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"

	"github.com/ericfisherdev/credseal/internal/domain/port/driven"
)

const (
	masterKeyAccount = "master-encryption-key"
	probeAccount     = "probe"
)

// Compile-time interface satisfaction check.
var _ driven.KeyStore = (*Store)(nil)

// Store keeps each bundle as a base64 secret under (service, ref).
type Store struct {
	service string
}

// NewStore returns a Store using the given keychain service name.
func NewStore(service string) *Store {
	return &Store{service: service}
}

// Backend implements driven.KeyStore.
func (s *Store) Backend() string { return "keyring" }

// Put stores or replaces the bundle under ref.
func (s *Store) Put(_ context.Context, ref string, bundle []byte) error {
	if err := zkr.Set(s.service, ref, base64.StdEncoding.EncodeToString(bundle)); err != nil {
		return fmt.Errorf("keychain set %q: %w", ref, err)
	}
	return nil
}

// Get returns the bundle stored under ref.
func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	encoded, err := zkr.Get(s.service, ref)
	if errors.Is(err, zkr.ErrNotFound) {
		return nil, fmt.Errorf("keychain get %q: %w", ref, driven.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get %q: %w", ref, err)
	}
	bundle, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keychain get %q: %w", ref, err)
	}
	return bundle, nil
}

// Delete removes the bundle stored under ref.
func (s *Store) Delete(_ context.Context, ref string) error {
	err := zkr.Delete(s.service, ref)
	if errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("keychain delete %q: %w", ref, driven.ErrKeyNotFound)
	}
	if err != nil {
		return fmt.Errorf("keychain delete %q: %w", ref, err)
	}
	return nil
}

// MasterKey returns the SQLite store's master key from the keychain, or
// driven.ErrEncryptionKeyNotSet if none has been saved.
func (s *Store) MasterKey() ([]byte, error) {
	encoded, err := zkr.Get(s.service, masterKeyAccount)
	if errors.Is(err, zkr.ErrNotFound) {
		return nil, driven.ErrEncryptionKeyNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get master key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key in keychain is %d bytes, want 32", len(key))
	}
	return key, nil
}

// SetMasterKey saves the SQLite store's master key in the keychain.
func (s *Store) SetMasterKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("master key is %d bytes, want 32", len(key))
	}
	return zkr.Set(s.service, masterKeyAccount, base64.StdEncoding.EncodeToString(key))
}

// Available reports whether the OS keychain works. CREDSEAL_KEYRING_DISABLED=1
// opts out for headless and CI environments; otherwise a probe entry is
// written, read and deleted.
func (s *Store) Available() bool {
	if os.Getenv("CREDSEAL_KEYRING_DISABLED") == "1" {
		return false
	}
	probeService := s.service + "-probe"
	if err := zkr.Set(probeService, probeAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probeService, probeAccount)
	return true
}
