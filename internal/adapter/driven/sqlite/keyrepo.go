package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ericfisherdev/credseal/internal/domain/port/driven"
	"github.com/ericfisherdev/credseal/internal/secret"
)

// Compile-time interface satisfaction check.
var _ driven.KeyStore = (*KeyRepo)(nil)

// KeyRepo is the SQLite implementation of the KeyStore port. Bundles are
// wrapped with AES-256-GCM under the master key before write and unwrapped
// after read.
type KeyRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 master key; nil when wrapping is disabled.
}

// NewKeyRepo creates a new KeyRepo. key must be 32 bytes, or nil, in which
// case every operation returns driven.ErrEncryptionKeyNotSet.
func NewKeyRepo(db *DB, key []byte) *KeyRepo {
	return &KeyRepo{db: db, key: key}
}

// Backend implements driven.KeyStore.
func (r *KeyRepo) Backend() string { return "sqlite" }

// Put stores or replaces the bundle under ref.
func (r *KeyRepo) Put(ctx context.Context, ref string, bundle []byte) error {
	wrapped, err := r.wrap(bundle)
	if err != nil {
		return err
	}

	const query = `INSERT INTO key_bundles (ref, mode, bundle) VALUES (?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET mode = excluded.mode, bundle = excluded.bundle, updated_at = CURRENT_TIMESTAMP`
	if _, err := r.db.Writer.ExecContext(ctx, query, ref, bundleMode(bundle), wrapped); err != nil {
		return fmt.Errorf("put key bundle %q: %w", ref, err)
	}
	return nil
}

// Get returns the unwrapped bundle stored under ref.
func (r *KeyRepo) Get(ctx context.Context, ref string) ([]byte, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `SELECT bundle FROM key_bundles WHERE ref = ?`
	var wrapped string
	err := r.db.Reader.QueryRowContext(ctx, query, ref).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get key bundle %q: %w", ref, driven.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get key bundle %q: %w", ref, err)
	}

	bundle, err := r.unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key bundle %q: %w", ref, err)
	}
	return bundle, nil
}

// Delete removes the bundle stored under ref.
func (r *KeyRepo) Delete(ctx context.Context, ref string) error {
	if r.key == nil {
		return driven.ErrEncryptionKeyNotSet
	}

	const query = `DELETE FROM key_bundles WHERE ref = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, ref)
	if err != nil {
		return fmt.Errorf("delete key bundle %q: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete key bundle %q: %w", ref, err)
	}
	if n == 0 {
		return fmt.Errorf("delete key bundle %q: %w", ref, driven.ErrKeyNotFound)
	}
	return nil
}

// bundleMode extracts the non-secret mode field for the mode column.
func bundleMode(bundle []byte) string {
	var probe struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(bundle, &probe); err != nil || probe.Mode == "" {
		return "unknown"
	}
	return probe.Mode
}

// wrap encrypts bundle using AES-256-GCM and returns a base64-encoded string
// containing the nonce prepended to the ciphertext.
func (r *KeyRepo) wrap(bundle []byte) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, bundle, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (r *KeyRepo) unwrap(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	bundle, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}
	return bundle, nil
}

func (r *KeyRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// Wipe zeros the master key held by the repository.
func (r *KeyRepo) Wipe() {
	secret.Zero(r.key)
	r.key = nil
}
