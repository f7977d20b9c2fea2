package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ArtifactFormatVersion is written to every artifact's metadata so consumers
// can detect the wire format.
const ArtifactFormatVersion = "1"

// Metadata keys. All metadata values are non-secret strings.
const (
	MetaMode          = "mode"
	MetaFormatVersion = "format_version"
	MetaInsecure      = "insecure"
	MetaWarning       = "warning"
	MetaKeyID         = "key_id"
	MetaSalt          = "salt"
	MetaKDF           = "kdf"
	MetaKDFIterations = "kdf_iterations"
	MetaShareAID      = "share_a_id"
	MetaShareBID      = "share_b_id"
	MetaAgencyID      = "agency_id"
	MetaRotation      = "rotation"
	MetaInnerKeyID    = "inner_key_id"
	MetaOuterKeyID    = "outer_key_id"
	MetaLayers        = "layers"
)

// PlaintextWarning labels plaintext-mode artifacts.
const PlaintextWarning = "INSECURE: credentials in this artifact are NOT encrypted"

// ProtectedArtifact is the opaque output of protection. It is write-once:
// accessors return copies and nothing in the pipeline mutates it.
type ProtectedArtifact struct {
	mode         Mode
	ciphertexts  [][]byte
	integrityTag string
	metadata     map[string]string
}

// NewProtectedArtifact builds an artifact from copies of its inputs.
func NewProtectedArtifact(mode Mode, ciphertexts [][]byte, integrityTag string, metadata map[string]string) *ProtectedArtifact {
	blobs := make([][]byte, len(ciphertexts))
	for i, c := range ciphertexts {
		blobs[i] = bytes.Clone(c)
	}
	meta := make(map[string]string, len(metadata))
	maps.Copy(meta, metadata)

	return &ProtectedArtifact{
		mode:         mode,
		ciphertexts:  blobs,
		integrityTag: integrityTag,
		metadata:     meta,
	}
}

// Mode returns the protection mode the artifact was produced with.
func (a *ProtectedArtifact) Mode() Mode { return a.mode }

// IntegrityTag returns the advanced-mode tag, or "" for other modes.
func (a *ProtectedArtifact) IntegrityTag() string { return a.integrityTag }

// Ciphertexts returns copies of the artifact's blobs.
func (a *ProtectedArtifact) Ciphertexts() [][]byte {
	out := make([][]byte, len(a.ciphertexts))
	for i, c := range a.ciphertexts {
		out[i] = bytes.Clone(c)
	}
	return out
}

// Metadata returns a copy of the artifact's metadata map.
func (a *ProtectedArtifact) Metadata() map[string]string {
	out := make(map[string]string, len(a.metadata))
	maps.Copy(out, a.metadata)
	return out
}

// Meta returns one metadata value.
func (a *ProtectedArtifact) Meta(key string) (string, bool) {
	v, ok := a.metadata[key]
	return v, ok
}

// Insecure reports whether the artifact carries unencrypted credentials.
func (a *ProtectedArtifact) Insecure() bool {
	return a.mode == ModePlaintext || a.metadata[MetaInsecure] == "true"
}

type artifactWire struct {
	Mode         Mode              `json:"mode"`
	Ciphertexts  [][]byte          `json:"ciphertexts"`
	IntegrityTag string            `json:"integrity_tag,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// MarshalJSON encodes the artifact; ciphertexts become standard base64.
func (a *ProtectedArtifact) MarshalJSON() ([]byte, error) {
	return json.Marshal(artifactWire{
		Mode:         a.mode,
		Ciphertexts:  a.ciphertexts,
		IntegrityTag: a.integrityTag,
		Metadata:     a.metadata,
	})
}

// ParseProtectedArtifact decodes and structurally validates an artifact.
// Any problem yields MalformedRecord.
func ParseProtectedArtifact(data []byte) (*ProtectedArtifact, error) {
	const op = "parse artifact"

	var wire artifactWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, Fail(KindMalformedRecord, op, err)
	}

	artifact := NewProtectedArtifact(wire.Mode, wire.Ciphertexts, wire.IntegrityTag, wire.Metadata)
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Validate checks the artifact's structure: a known mode that agrees with
// the metadata, a supported format version and the blob count for the mode.
func (a *ProtectedArtifact) Validate() error {
	const op = "validate artifact"

	if _, err := ParseMode(string(a.mode)); err != nil {
		return Fail(KindMalformedRecord, op, err)
	}
	if m := a.metadata[MetaMode]; m != string(a.mode) {
		return Fail(KindMalformedRecord, op, fmt.Errorf("metadata mode %q does not match artifact mode %q", m, a.mode))
	}
	if v := a.metadata[MetaFormatVersion]; v != ArtifactFormatVersion {
		return Fail(KindMalformedRecord, op, fmt.Errorf("unsupported format version %q", v))
	}
	if len(a.ciphertexts) != 1 {
		return Fail(KindMalformedRecord, op, fmt.Errorf("expected 1 ciphertext, got %d", len(a.ciphertexts)))
	}
	if len(a.ciphertexts[0]) == 0 {
		return Fail(KindMalformedRecord, op, errors.New("empty ciphertext"))
	}
	if a.mode == ModeAdvanced && a.integrityTag == "" {
		return Fail(KindMalformedRecord, op, errors.New("advanced artifact has no integrity tag"))
	}
	return nil
}
