// Package agebox seals exported key bundles to age recipients so they can be
// handed to the consuming side without a shared secret.
package agebox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

// Identity is an age X25519 keypair. The private half lives in a
// secret.Buffer; callers must Close it.
type Identity struct {
	PrivateKey *secret.Buffer
	Recipient  string
}

// Close releases the private key.
func (i *Identity) Close() error {
	if i == nil {
		return nil
	}
	return i.PrivateKey.Close()
}

// GenerateIdentity creates a fresh X25519 identity.
func GenerateIdentity() (*Identity, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	private, err := secret.NewFromBytes([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("protect age identity: %w", err)
	}
	return &Identity{PrivateKey: private, Recipient: id.Recipient().String()}, nil
}

// SealBundle encrypts bundle to every recipient (age1... strings) and
// returns standard base64 ciphertext.
func SealBundle(bundle []byte, recipients []string) (string, error) {
	if len(recipients) == 0 {
		return "", errors.New("seal bundle: at least one recipient is required")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return "", fmt.Errorf("seal bundle: recipient %q: %w", r, err)
		}
		parsed = append(parsed, recipient)
	}

	var out bytes.Buffer
	w, err := age.Encrypt(&out, parsed...)
	if err != nil {
		return "", fmt.Errorf("seal bundle: %w", err)
	}
	if _, err := w.Write(bundle); err != nil {
		return "", fmt.Errorf("seal bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// OpenBundle decrypts a SealBundle ciphertext with the identity file
// contents in identity (one or more AGE-SECRET-KEY-1 lines, comments
// allowed). A bundle that no identity can open yields KeyMaterialNotFound.
// The caller owns the returned buffer.
func OpenBundle(ciphertext string, identity *secret.Buffer) (*secret.Buffer, error) {
	const op = "open sealed bundle"

	ids, err := age.ParseIdentities(bytes.NewReader(identity.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%s: parse identity: %w", op, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), ids...)
	if err != nil {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		secret.Zero(plaintext)
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, err)
	}
	if len(plaintext) == 0 {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("sealed bundle is empty"))
	}
	return secret.NewFromBytes(plaintext)
}

// ValidateRecipient reports whether s is a well-formed age X25519 recipient.
func ValidateRecipient(s string) error {
	if _, err := age.ParseX25519Recipient(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}
