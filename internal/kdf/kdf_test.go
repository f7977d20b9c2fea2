package kdf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credseal/internal/domain/model"
)

// fastParams keeps tests quick while staying at the enforced minimum.
var fastParams = Params{Scheme: SchemePBKDF2SHA256, Iterations: MinIterations}

func derive(t *testing.T, a, b, salt []byte, p Params) []byte {
	t.Helper()
	key, err := Derive(a, b, salt, p)
	require.NoError(t, err)
	defer key.Close()
	require.Equal(t, KeySize, key.Len())
	return bytes.Clone(key.Bytes())
}

func TestDerive_Deterministic(t *testing.T) {
	a := bytes.Repeat([]byte{0xA}, ShareSize)
	b := bytes.Repeat([]byte{0xB}, ShareSize)
	salt := bytes.Repeat([]byte{0x5}, SaltSize)

	for _, scheme := range []Scheme{SchemePBKDF2SHA256, SchemeHKDFPBKDF2SHA256} {
		t.Run(string(scheme), func(t *testing.T) {
			p := Params{Scheme: scheme, Iterations: MinIterations}
			assert.Equal(t, derive(t, a, b, salt, p), derive(t, a, b, salt, p))
		})
	}
}

func TestDerive_SensitiveToEveryInput(t *testing.T) {
	a := bytes.Repeat([]byte{0xA}, ShareSize)
	b := bytes.Repeat([]byte{0xB}, ShareSize)
	salt := bytes.Repeat([]byte{0x5}, SaltSize)

	flip := func(in []byte) []byte {
		out := bytes.Clone(in)
		out[len(out)-1] ^= 0x80
		return out
	}

	for _, scheme := range []Scheme{SchemePBKDF2SHA256, SchemeHKDFPBKDF2SHA256} {
		t.Run(string(scheme), func(t *testing.T) {
			p := Params{Scheme: scheme, Iterations: MinIterations}
			base := derive(t, a, b, salt, p)

			assert.NotEqual(t, base, derive(t, flip(a), b, salt, p), "share A")
			assert.NotEqual(t, base, derive(t, a, flip(b), salt, p), "share B")
			assert.NotEqual(t, base, derive(t, a, b, flip(salt), p), "salt")
			assert.NotEqual(t, base, derive(t, a, b, salt, Params{Scheme: scheme, Iterations: MinIterations + 1}), "iterations")
		})
	}
}

func TestDerive_SchemesDiffer(t *testing.T) {
	a := bytes.Repeat([]byte{0xA}, ShareSize)
	b := bytes.Repeat([]byte{0xB}, ShareSize)
	salt := bytes.Repeat([]byte{0x5}, SaltSize)

	assert.NotEqual(t,
		derive(t, a, b, salt, fastParams),
		derive(t, a, b, salt, Params{Scheme: SchemeHKDFPBKDF2SHA256, Iterations: MinIterations}))
}

func TestDerive_InvalidShares(t *testing.T) {
	good := bytes.Repeat([]byte{1}, ShareSize)
	salt := bytes.Repeat([]byte{2}, SaltSize)

	tests := []struct {
		name     string
		a, b     []byte
		salt     []byte
		wantKind model.ErrorKind
	}{
		{"short share A", good[:31], good, salt, model.KindInvalidKeyShare},
		{"long share B", good, append(bytes.Clone(good), 0), salt, model.KindInvalidKeyShare},
		{"missing share B", good, nil, salt, model.KindInvalidKeyShare},
		{"missing salt", good, good, nil, model.KindKeyMaterialNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.a, tt.b, tt.salt, fastParams)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, model.KindOf(err))
		})
	}
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
	assert.Error(t, Params{Scheme: SchemePBKDF2SHA256, Iterations: MinIterations - 1}.Validate())
	assert.NoError(t, Params{Scheme: SchemePBKDF2SHA256, Iterations: MaxIterations}.Validate())
	assert.Error(t, Params{Scheme: SchemePBKDF2SHA256, Iterations: MaxIterations + 1}.Validate())
	assert.Error(t, Params{Scheme: SchemeHKDFPBKDF2SHA256, Iterations: 2_000_000_000}.Validate())
	assert.Error(t, Params{Scheme: "md5", Iterations: DefaultIterations}.Validate())

	_, err := Derive(make([]byte, ShareSize), make([]byte, ShareSize), []byte("salt"), Params{})
	assert.Error(t, err)
	assert.Equal(t, model.ErrorKind(""), model.KindOf(err))
}

func TestNewShareAndSalt(t *testing.T) {
	share, err := NewShare()
	require.NoError(t, err)
	defer share.Close()
	assert.Equal(t, ShareSize, share.Len())

	salt, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)

	_, err = newSaltFrom(bytes.NewReader(nil))
	assert.True(t, err != nil && !errors.Is(err, model.ErrInvalidKeyShare))
}
