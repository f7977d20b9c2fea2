package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credseal/internal/secret"
)

// KeySize is the length in bytes of every symmetric key and key share.
const KeySize = 32

// KeyBundleVersion is the version written into serialized key bundles.
const KeyBundleVersion = 1

// KeyMaterial is the mode-specific set of keys needed to encode or decode
// an artifact. Secret fields live in secret.Buffer values; the owner must
// call Close as soon as the keys are no longer needed.
//
// Which fields are set depends on Mode:
//   - plaintext: none
//   - simple: Key
//   - split_secret: ShareA, ShareB, Salt (either share may be absent on a
//     single holder's copy)
//   - advanced: InnerKey, OuterKey, Rotation, DerivedSalt
type KeyMaterial struct {
	Mode Mode

	Key *secret.Buffer

	ShareA *secret.Buffer
	ShareB *secret.Buffer
	Salt   []byte

	InnerKey    *secret.Buffer
	OuterKey    *secret.Buffer
	Rotation    int
	DerivedSalt string
}

// Close zeros and releases every secret buffer. Safe to call on nil and
// more than once.
func (km *KeyMaterial) Close() error {
	if km == nil {
		return nil
	}
	var errs []error
	for _, b := range []*secret.Buffer{km.Key, km.ShareA, km.ShareB, km.InnerKey, km.OuterKey} {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForHolder returns an independent copy of split-secret material that keeps
// only the given holder's share plus the non-secret salt. The caller owns
// the returned value.
func (km *KeyMaterial) ForHolder(holder Holder) (*KeyMaterial, error) {
	if km.Mode != ModeSplitSecret {
		return nil, fmt.Errorf("key material for mode %q has no holders", km.Mode)
	}

	var share *secret.Buffer
	switch holder {
	case HolderServer:
		share = km.ShareA
	case HolderClient:
		share = km.ShareB
	default:
		return nil, fmt.Errorf("unknown holder %q", holder)
	}
	if share == nil {
		return nil, Fail(KindKeyMaterialNotFound, "split key material", fmt.Errorf("no share for holder %q", holder))
	}

	clone, err := share.Clone()
	if err != nil {
		return nil, err
	}

	out := &KeyMaterial{Mode: ModeSplitSecret, Salt: append([]byte(nil), km.Salt...)}
	if holder == HolderServer {
		out.ShareA = clone
	} else {
		out.ShareB = clone
	}
	return out, nil
}

// MergeKeyMaterial combines partial key material of one mode, such as the
// server and client shares of a split-secret key, into a new value. For each
// field the first part that has it wins. Parts are not modified; the caller
// owns the result.
func MergeKeyMaterial(parts ...*KeyMaterial) (*KeyMaterial, error) {
	var out *KeyMaterial
	for _, part := range parts {
		if part == nil {
			continue
		}
		if out == nil {
			out = &KeyMaterial{Mode: part.Mode}
		}
		if part.Mode != out.Mode {
			_ = out.Close()
			return nil, Fail(KindKeyMaterialNotFound, "merge key material", fmt.Errorf("mixed modes %q and %q", out.Mode, part.Mode))
		}

		pairs := []struct {
			dst **secret.Buffer
			src *secret.Buffer
		}{
			{&out.Key, part.Key},
			{&out.ShareA, part.ShareA},
			{&out.ShareB, part.ShareB},
			{&out.InnerKey, part.InnerKey},
			{&out.OuterKey, part.OuterKey},
		}
		for _, p := range pairs {
			if *p.dst != nil || p.src == nil {
				continue
			}
			clone, err := p.src.Clone()
			if err != nil {
				_ = out.Close()
				return nil, err
			}
			*p.dst = clone
		}

		if out.Salt == nil && part.Salt != nil {
			out.Salt = append([]byte(nil), part.Salt...)
		}
		if out.DerivedSalt == "" && part.DerivedSalt != "" {
			out.DerivedSalt = part.DerivedSalt
			out.Rotation = part.Rotation
		}
	}
	if out == nil {
		return nil, Fail(KindKeyMaterialNotFound, "merge key material", errors.New("no key material supplied"))
	}
	return out, nil
}

// KeyBundle is the serialized form of KeyMaterial used for key stores and
// out-of-band distribution. Binary fields are standard base64.
type KeyBundle struct {
	Version     int    `json:"version"`
	Mode        Mode   `json:"mode"`
	Key         string `json:"key,omitempty"`
	ShareA      string `json:"share_a,omitempty"`
	ShareB      string `json:"share_b,omitempty"`
	Salt        string `json:"salt,omitempty"`
	InnerKey    string `json:"inner_key,omitempty"`
	OuterKey    string `json:"outer_key,omitempty"`
	Rotation    *int   `json:"rotation,omitempty"`
	DerivedSalt string `json:"derived_salt,omitempty"`
}

// MarshalBundle encodes km as a JSON KeyBundle. The returned bytes hold key
// material; callers should zero them with secret.Zero once written out.
func (km *KeyMaterial) MarshalBundle() ([]byte, error) {
	bundle := KeyBundle{
		Version:  KeyBundleVersion,
		Mode:     km.Mode,
		Key:      encodeBuffer(km.Key),
		ShareA:   encodeBuffer(km.ShareA),
		ShareB:   encodeBuffer(km.ShareB),
		InnerKey: encodeBuffer(km.InnerKey),
		OuterKey: encodeBuffer(km.OuterKey),
	}
	if len(km.Salt) > 0 {
		bundle.Salt = base64.StdEncoding.EncodeToString(km.Salt)
	}
	if km.Mode == ModeAdvanced {
		rotation := km.Rotation
		bundle.Rotation = &rotation
		bundle.DerivedSalt = km.DerivedSalt
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal key bundle: %w", err)
	}
	return data, nil
}

// ParseKeyBundle decodes a JSON KeyBundle into KeyMaterial. Malformed input
// yields KeyMaterialNotFound. Share lengths are not checked here; key
// derivation rejects wrong-length shares with InvalidKeyShare.
func ParseKeyBundle(data []byte) (*KeyMaterial, error) {
	const op = "parse key bundle"

	var bundle KeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, Fail(KindKeyMaterialNotFound, op, err)
	}
	if bundle.Version != KeyBundleVersion {
		return nil, Fail(KindKeyMaterialNotFound, op, fmt.Errorf("unsupported key bundle version %d", bundle.Version))
	}
	if _, err := ParseMode(string(bundle.Mode)); err != nil {
		return nil, Fail(KindKeyMaterialNotFound, op, err)
	}

	km := &KeyMaterial{Mode: bundle.Mode}
	fields := []struct {
		name    string
		encoded string
		dst     **secret.Buffer
		fixed   bool
	}{
		{"key", bundle.Key, &km.Key, true},
		{"share_a", bundle.ShareA, &km.ShareA, false},
		{"share_b", bundle.ShareB, &km.ShareB, false},
		{"inner_key", bundle.InnerKey, &km.InnerKey, true},
		{"outer_key", bundle.OuterKey, &km.OuterKey, true},
	}
	for _, f := range fields {
		if f.encoded == "" {
			continue
		}
		buf, err := decodeBuffer(f.encoded)
		if err != nil {
			_ = km.Close()
			return nil, Fail(KindKeyMaterialNotFound, op, fmt.Errorf("%s: %w", f.name, err))
		}
		if f.fixed && buf.Len() != KeySize {
			_ = buf.Close()
			_ = km.Close()
			return nil, Fail(KindKeyMaterialNotFound, op, fmt.Errorf("%s: expected %d bytes, got %d", f.name, KeySize, buf.Len()))
		}
		*f.dst = buf
	}

	if bundle.Salt != "" {
		salt, err := base64.StdEncoding.DecodeString(bundle.Salt)
		if err != nil {
			_ = km.Close()
			return nil, Fail(KindKeyMaterialNotFound, op, fmt.Errorf("salt: %w", err))
		}
		km.Salt = salt
	}
	if bundle.Rotation != nil {
		km.Rotation = *bundle.Rotation
	}
	km.DerivedSalt = bundle.DerivedSalt

	return km, nil
}

func encodeBuffer(b *secret.Buffer) string {
	if b == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b.Bytes())
}

func decodeBuffer(encoded string) (*secret.Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty value")
	}
	return secret.NewFromBytes(raw)
}
