// Package obfuscate implements the letter rotation applied to primary
// credentials in advanced mode. It is format compatibility, not protection:
// every rotated value is sealed afterwards.
package obfuscate

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// Direction selects whether Rotate applies or undoes a shift.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// RotationModulus bounds rotation parameters to [0, RotationModulus).
const RotationModulus = 31

// DerivedSaltLength is the length of the string DerivedSalt returns.
const DerivedSaltLength = 16

// Rotate shifts every ASCII letter by shift positions within its own case,
// wrapping around the alphabet. Every other byte, including bytes that are
// not valid UTF-8, is left alone. Any integer shift is accepted; Reverse
// undoes Forward exactly.
func Rotate(text string, shift int, dir Direction) string {
	n := shift % 26
	if dir == Reverse {
		n = -n
	}
	if n < 0 {
		n += 26
	}
	if n == 0 {
		return text
	}

	out := []byte(text)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+byte(n))%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+byte(n))%26
		}
	}
	return string(out)
}

// RotationFor returns the default rotation for an agency: the number of
// characters in its identifier modulo RotationModulus.
func RotationFor(agencyID string) int {
	return utf8.RuneCountInString(agencyID) % RotationModulus
}

// ValidateRotation rejects rotations outside [0, RotationModulus).
func ValidateRotation(rotation int) error {
	if rotation < 0 || rotation >= RotationModulus {
		return fmt.Errorf("rotation %d outside [0, %d)", rotation, RotationModulus)
	}
	return nil
}

// DerivedSalt returns the agency-bound salt string stored with advanced
// key material: the first DerivedSaltLength characters of the base64
// SHA-256 digest of the agency identifier. Legacy artifacts used the base64
// of the raw agency name instead; this shape deliberately does not match
// them, so the salt has a fixed alphabet and length for any agency.
func DerivedSalt(agencyID string) string {
	sum := sha256.Sum256([]byte(agencyID))
	return base64.StdEncoding.EncodeToString(sum[:])[:DerivedSaltLength]
}
