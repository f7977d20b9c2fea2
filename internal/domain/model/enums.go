package model

import "fmt"

// Mode selects how a CredentialRecord is protected.
type Mode string

const (
	ModePlaintext   Mode = "plaintext"    // No encryption. Labeled insecure in artifact metadata.
	ModeSimple      Mode = "simple"       // One random key, one sealed token.
	ModeSplitSecret Mode = "split_secret" // Key derived from two independently held shares.
	ModeAdvanced    Mode = "advanced"     // Rotated fields under two nested sealed layers.
)

// Modes lists every supported mode.
var Modes = []Mode{ModePlaintext, ModeSimple, ModeSplitSecret, ModeAdvanced}

// ParseMode converts a string to a Mode. Returns an error for unknown values.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown protection mode %q", s)
}

// Secure reports whether artifacts produced in this mode are encrypted.
func (m Mode) Secure() bool {
	return m != ModePlaintext
}

// Holder identifies which party keeps a split-secret share.
type Holder string

const (
	HolderServer Holder = "server" // Producing side; keeps share_a.
	HolderClient Holder = "client" // Consuming side; keeps share_b.
)
