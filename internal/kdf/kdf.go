// Package kdf turns two independently held key shares and a random salt into
// a single symmetric key. Neither share alone determines the result.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

// Scheme selects how the shares are combined before stretching.
type Scheme string

const (
	// SchemePBKDF2SHA256 feeds share A as the PBKDF2 password and share B
	// followed by the random salt as the PBKDF2 salt.
	SchemePBKDF2SHA256 Scheme = "pbkdf2-sha256"

	// SchemeHKDFPBKDF2SHA256 first combines both shares with HKDF-Extract
	// keyed by the random salt, then stretches the result with PBKDF2.
	SchemeHKDFPBKDF2SHA256 Scheme = "hkdf-pbkdf2-sha256"
)

const (
	ShareSize = model.KeySize
	SaltSize  = 16
	KeySize   = model.KeySize

	MinIterations     = 100_000
	DefaultIterations = 480_000
	MaxIterations     = 10_000_000
)

// Params configures a derivation. The zero value is not valid; start from
// DefaultParams.
type Params struct {
	Scheme     Scheme
	Iterations int
}

// DefaultParams returns the parameters new artifacts are protected with.
func DefaultParams() Params {
	return Params{Scheme: SchemePBKDF2SHA256, Iterations: DefaultIterations}
}

// ParseScheme validates a scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemePBKDF2SHA256, SchemeHKDFPBKDF2SHA256:
		return Scheme(s), nil
	default:
		return "", fmt.Errorf("unknown kdf scheme %q", s)
	}
}

// Validate rejects unknown schemes and iteration counts outside
// [MinIterations, MaxIterations]. Artifacts carry their own count, so the
// upper bound caps the work an untrusted artifact can demand.
func (p Params) Validate() error {
	if _, err := ParseScheme(string(p.Scheme)); err != nil {
		return err
	}
	if p.Iterations < MinIterations {
		return fmt.Errorf("kdf iterations %d below minimum %d", p.Iterations, MinIterations)
	}
	if p.Iterations > MaxIterations {
		return fmt.Errorf("kdf iterations %d above maximum %d", p.Iterations, MaxIterations)
	}
	return nil
}

// NewShare returns a fresh random key share.
func NewShare() (*secret.Buffer, error) {
	return secret.NewRandom(ShareSize)
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	return newSaltFrom(rand.Reader)
}

func newSaltFrom(r io.Reader) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ValidateShares fails with InvalidKeyShare unless both shares are exactly
// ShareSize bytes.
func ValidateShares(shareA, shareB []byte) error {
	const op = "validate key shares"
	if len(shareA) != ShareSize {
		return model.Fail(model.KindInvalidKeyShare, op, fmt.Errorf("share A is %d bytes, want %d", len(shareA), ShareSize))
	}
	if len(shareB) != ShareSize {
		return model.Fail(model.KindInvalidKeyShare, op, fmt.Errorf("share B is %d bytes, want %d", len(shareB), ShareSize))
	}
	return nil
}

// Derive combines shareA, shareB and salt into a KeySize key. Shares that
// are not exactly ShareSize bytes fail with InvalidKeyShare; a missing salt
// fails with KeyMaterialNotFound.
func Derive(shareA, shareB, salt []byte, p Params) (*secret.Buffer, error) {
	const op = "derive key"

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateShares(shareA, shareB); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("salt is empty"))
	}

	var key []byte
	switch p.Scheme {
	case SchemePBKDF2SHA256:
		combined := make([]byte, 0, len(shareB)+len(salt))
		combined = append(combined, shareB...)
		combined = append(combined, salt...)
		key = pbkdf2.Key(shareA, combined, p.Iterations, KeySize, sha256.New)
		secret.Zero(combined)

	case SchemeHKDFPBKDF2SHA256:
		ikm := make([]byte, 0, len(shareA)+len(shareB))
		ikm = append(ikm, shareA...)
		ikm = append(ikm, shareB...)
		prk := hkdf.Extract(sha256.New, ikm, salt)
		secret.Zero(ikm)
		key = pbkdf2.Key(prk, salt, p.Iterations, KeySize, sha256.New)
		secret.Zero(prk)
	}

	return secret.NewFromBytes(key)
}
