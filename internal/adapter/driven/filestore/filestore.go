// Package filestore keeps key bundles and artifacts as files on local disk.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/credseal/internal/domain/port/driven"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
	keyExt   = ".key"
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Compile-time interface satisfaction check.
var _ driven.KeyStore = (*KeyStore)(nil)

// KeyStore stores each bundle in its own owner-only file, <ref>.key, under
// a single directory.
type KeyStore struct {
	dir string
}

// NewKeyStore creates dir if needed and returns a store rooted there.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	return &KeyStore{dir: dir}, nil
}

// Backend implements driven.KeyStore.
func (s *KeyStore) Backend() string { return "file" }

// Dir returns the directory bundles are written to.
func (s *KeyStore) Dir() string { return s.dir }

func (s *KeyStore) path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("invalid key reference %q", ref)
	}
	return filepath.Join(s.dir, ref+keyExt), nil
}

// Put atomically writes bundle to <ref>.key with mode 0600.
func (s *KeyStore) Put(_ context.Context, ref string, bundle []byte) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := writeFile(path, bundle); err != nil {
		return fmt.Errorf("put key bundle %q: %w", ref, err)
	}
	return nil
}

// Get reads the bundle stored under ref.
func (s *KeyStore) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, fmt.Errorf("get key bundle: %w", driven.ErrKeyNotFound)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get key bundle %q: %w", ref, driven.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get key bundle %q: %w", ref, err)
	}
	return data, nil
}

// Delete overwrites the bundle file with zeros and removes it.
func (s *KeyStore) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return fmt.Errorf("delete key bundle: %w", driven.ErrKeyNotFound)
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete key bundle %q: %w", ref, driven.ErrKeyNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete key bundle %q: %w", ref, err)
	}

	if err := overwrite(path, info.Size()); err != nil {
		return fmt.Errorf("wipe key bundle %q: %w", ref, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete key bundle %q: %w", ref, err)
	}
	return nil
}

// overwrite replaces a file's contents in place with zeros and syncs it.
func overwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(make([]byte, size)); err != nil {
		return err
	}
	return f.Sync()
}

// WriteArtifact atomically writes an encoded artifact to path with mode
// 0600. Plaintext-mode artifacts hold raw credentials, so every artifact
// gets owner-only permissions.
func WriteArtifact(path string, data []byte) error {
	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}

// ReadArtifact reads an encoded artifact from path.
func ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

func writeFile(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, filePerm)
}
