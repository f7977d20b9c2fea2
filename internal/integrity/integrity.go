// Package integrity computes the short tags that bind an advanced artifact
// to its agency and rotation, and the fingerprints that name key material
// in artifact metadata without revealing it.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"
)

// TagLength is the number of hex characters in a tag or fingerprint.
const TagLength = 16

// ComputeTag returns the first TagLength hex characters of
// SHA-256(agencyID || decimal(rotation)).
func ComputeTag(agencyID string, rotation int) string {
	sum := sha256.Sum256([]byte(agencyID + strconv.Itoa(rotation)))
	return hex.EncodeToString(sum[:])[:TagLength]
}

// VerifyTag reports whether candidate matches the tag for agencyID and
// rotation. The comparison runs in constant time.
func VerifyTag(agencyID string, rotation int, candidate string) bool {
	want := ComputeTag(agencyID, rotation)
	return subtle.ConstantTimeCompare([]byte(want), []byte(candidate)) == 1
}

// Fingerprint returns a TagLength-character BLAKE3 identifier for key bytes.
// It is safe to publish: it identifies a key without helping recover it.
func Fingerprint(key []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte("credseal key fingerprint v1\x00"))
	_, _ = h.Write(key)
	return hex.EncodeToString(h.Sum(nil))[:TagLength]
}

// MatchFingerprint compares a key against a published fingerprint in
// constant time.
func MatchFingerprint(key []byte, fingerprint string) bool {
	return subtle.ConstantTimeCompare([]byte(Fingerprint(key)), []byte(fingerprint)) == 1
}
