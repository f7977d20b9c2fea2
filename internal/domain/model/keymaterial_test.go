package model

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credseal/internal/secret"
)

func mustBuffer(t *testing.T, fill byte, size int) *secret.Buffer {
	t.Helper()
	buf, err := secret.NewFromBytes(bytes.Repeat([]byte{fill}, size))
	require.NoError(t, err)
	return buf
}

func TestKeyBundle_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		km   *KeyMaterial
	}{
		{"simple", &KeyMaterial{Mode: ModeSimple, Key: mustBuffer(t, 1, KeySize)}},
		{"split", &KeyMaterial{
			Mode:   ModeSplitSecret,
			ShareA: mustBuffer(t, 2, KeySize),
			ShareB: mustBuffer(t, 3, KeySize),
			Salt:   bytes.Repeat([]byte{4}, 16),
		}},
		{"advanced", &KeyMaterial{
			Mode:        ModeAdvanced,
			InnerKey:    mustBuffer(t, 5, KeySize),
			OuterKey:    mustBuffer(t, 6, KeySize),
			Rotation:    0,
			DerivedSalt: "abcdefghijklmnop",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.km.Close()

			data, err := tt.km.MarshalBundle()
			require.NoError(t, err)

			parsed, err := ParseKeyBundle(data)
			require.NoError(t, err)
			defer parsed.Close()

			again, err := parsed.MarshalBundle()
			require.NoError(t, err)
			assert.JSONEq(t, string(data), string(again))
			assert.Equal(t, tt.km.Mode, parsed.Mode)
			assert.Equal(t, tt.km.Rotation, parsed.Rotation)
		})
	}
}

func TestParseKeyBundle_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "nope"},
		{"wrong version", `{"version":7,"mode":"simple","key":"AAAA"}`},
		{"unknown mode", `{"version":1,"mode":"rot13"}`},
		{"bad base64", `{"version":1,"mode":"simple","key":"***"}`},
		{"short key", `{"version":1,"mode":"simple","key":"AAAA"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeyBundle([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrKeyMaterialNotFound), "got %v", err)
		})
	}
}

func TestParseKeyBundle_ShortShareAccepted(t *testing.T) {
	km, err := ParseKeyBundle([]byte(`{"version":1,"mode":"split_secret","share_a":"AAAA"}`))
	require.NoError(t, err)
	defer km.Close()

	assert.Equal(t, 3, km.ShareA.Len())
}

func TestForHolderAndMerge(t *testing.T) {
	full := &KeyMaterial{
		Mode:   ModeSplitSecret,
		ShareA: mustBuffer(t, 0xA, KeySize),
		ShareB: mustBuffer(t, 0xB, KeySize),
		Salt:   []byte("0123456789abcdef"),
	}
	defer full.Close()

	server, err := full.ForHolder(HolderServer)
	require.NoError(t, err)
	defer server.Close()
	assert.Nil(t, server.ShareB)
	assert.Equal(t, full.ShareA.Bytes(), server.ShareA.Bytes())

	client, err := full.ForHolder(HolderClient)
	require.NoError(t, err)
	defer client.Close()
	assert.Nil(t, client.ShareA)

	merged, err := MergeKeyMaterial(server, client)
	require.NoError(t, err)
	defer merged.Close()

	assert.Equal(t, full.ShareA.Bytes(), merged.ShareA.Bytes())
	assert.Equal(t, full.ShareB.Bytes(), merged.ShareB.Bytes())
	assert.Equal(t, full.Salt, merged.Salt)
}

func TestForHolder_WrongMode(t *testing.T) {
	km := &KeyMaterial{Mode: ModeSimple, Key: mustBuffer(t, 1, KeySize)}
	defer km.Close()

	_, err := km.ForHolder(HolderClient)
	assert.Error(t, err)
}

func TestMergeKeyMaterial_Errors(t *testing.T) {
	_, err := MergeKeyMaterial()
	assert.True(t, errors.Is(err, ErrKeyMaterialNotFound))

	simple := &KeyMaterial{Mode: ModeSimple, Key: mustBuffer(t, 1, KeySize)}
	defer simple.Close()
	split := &KeyMaterial{Mode: ModeSplitSecret, ShareA: mustBuffer(t, 2, KeySize)}
	defer split.Close()

	_, err = MergeKeyMaterial(simple, split)
	assert.True(t, errors.Is(err, ErrKeyMaterialNotFound))
}

func TestKeyMaterial_CloseIdempotent(t *testing.T) {
	km := &KeyMaterial{Mode: ModeSimple, Key: mustBuffer(t, 1, KeySize)}
	require.NoError(t, km.Close())
	require.NoError(t, km.Close())

	var nilKM *KeyMaterial
	assert.NoError(t, nilKM.Close())
}
