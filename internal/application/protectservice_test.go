package application_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credseal/internal/application"
	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/integrity"
	"github.com/ericfisherdev/credseal/internal/kdf"
	"github.com/ericfisherdev/credseal/internal/obfuscate"
	"github.com/ericfisherdev/credseal/internal/seal"
	"github.com/ericfisherdev/credseal/internal/secret"
)

func newTestService(t *testing.T, opts ...application.ServiceOption) *application.ProtectService {
	t.Helper()
	opts = append([]application.ServiceOption{
		application.WithKDFParams(kdf.Params{Scheme: kdf.SchemePBKDF2SHA256, Iterations: kdf.MinIterations}),
	}, opts...)
	svc, err := application.NewProtectService(application.NewKeyProvider(nil), opts...)
	require.NoError(t, err)
	return svc
}

func tpdRecord(t *testing.T) model.CredentialRecord {
	t.Helper()
	record, err := model.BuildCredentialRecord("TPD", "jdoe", "hunter2", nil)
	require.NoError(t, err)
	return record
}

func richRecord(t *testing.T) model.CredentialRecord {
	t.Helper()
	record, err := model.BuildCredentialRecord("Springfield PD", "Officer.O'Brien", "Tr0ub4dor&3", map[string]model.AuxiliaryCredential{
		"copware": {Username: "obrien", Password: "c0pw@re"},
		"ncic":    {Username: "OBRIEN01", Password: ""},
	})
	require.NoError(t, err)
	return record
}

// withCiphertext rebuilds artifact with a replacement blob.
func withCiphertext(a *model.ProtectedArtifact, blob []byte) *model.ProtectedArtifact {
	return model.NewProtectedArtifact(a.Mode(), [][]byte{blob}, a.IntegrityTag(), a.Metadata())
}

// withMeta rebuilds artifact with one metadata value and the tag replaced.
func withMeta(a *model.ProtectedArtifact, key, value, tag string) *model.ProtectedArtifact {
	meta := a.Metadata()
	if value == "" {
		delete(meta, key)
	} else {
		meta[key] = value
	}
	return model.NewProtectedArtifact(a.Mode(), a.Ciphertexts(), tag, meta)
}

func TestProtectService_RoundTripAllModes(t *testing.T) {
	schemes := []kdf.Scheme{kdf.SchemePBKDF2SHA256, kdf.SchemeHKDFPBKDF2SHA256}

	for _, mode := range model.Modes {
		for _, scheme := range schemes {
			if mode != model.ModeSplitSecret && scheme != kdf.SchemePBKDF2SHA256 {
				continue
			}
			t.Run(string(mode)+"/"+string(scheme), func(t *testing.T) {
				svc := newTestService(t, application.WithKDFParams(kdf.Params{Scheme: scheme, Iterations: kdf.MinIterations}))
				record := richRecord(t)

				artifact, keys, err := svc.Protect(record, mode)
				require.NoError(t, err)
				defer keys.Close()

				got, err := svc.Unprotect(artifact, keys)
				require.NoError(t, err)
				assert.True(t, record.Equal(got), "record changed through %s", mode)

				// The same holds after the artifact travels as JSON.
				data, err := json.Marshal(artifact)
				require.NoError(t, err)
				parsed, err := model.ParseProtectedArtifact(data)
				require.NoError(t, err)
				got, err = svc.Unprotect(parsed, keys)
				require.NoError(t, err)
				assert.True(t, record.Equal(got))
			})
		}
	}
}

func TestProtectService_SimpleScenario(t *testing.T) {
	svc := newTestService(t)
	record := tpdRecord(t)

	artifact, keys, err := svc.Protect(record, model.ModeSimple)
	require.NoError(t, err)
	defer keys.Close()

	assert.Equal(t, model.ModeSimple, artifact.Mode())
	assert.Empty(t, artifact.IntegrityTag())
	assert.False(t, artifact.Insecure())
	assert.NotContains(t, string(artifact.Ciphertexts()[0]), "hunter2")
	id, _ := artifact.Meta(model.MetaKeyID)
	assert.Equal(t, integrity.Fingerprint(keys.Key.Bytes()), id)

	got, err := svc.Unprotect(artifact, keys)
	require.NoError(t, err)
	assert.Equal(t, "TPD", got.AgencyID())
	assert.Equal(t, "jdoe", got.PrimaryUsername())
	assert.Equal(t, "hunter2", got.PrimaryPassword())
	assert.Empty(t, got.AuxiliaryCredentials())
	assert.True(t, record.Equal(got))
}

func TestProtectService_PlaintextIsLabelled(t *testing.T) {
	svc := newTestService(t)

	artifact, keys, err := svc.Protect(tpdRecord(t), model.ModePlaintext)
	require.NoError(t, err)
	assert.Nil(t, keys)

	assert.True(t, artifact.Insecure())
	insecure, _ := artifact.Meta(model.MetaInsecure)
	assert.Equal(t, "true", insecure)
	warning, _ := artifact.Meta(model.MetaWarning)
	assert.Contains(t, warning, "INSECURE")

	got, err := svc.Unprotect(artifact, nil)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.PrimaryPassword())
}

func TestProtectService_AdvancedScenario(t *testing.T) {
	svc := newTestService(t)
	record := tpdRecord(t)

	artifact, keys, err := svc.Protect(record, model.ModeAdvanced, application.WithRotation(5))
	require.NoError(t, err)
	defer keys.Close()

	rotation, _ := artifact.Meta(model.MetaRotation)
	assert.Equal(t, "5", rotation)
	assert.Equal(t, integrity.ComputeTag("TPD", 5), artifact.IntegrityTag())
	salt, _ := artifact.Meta(model.MetaSalt)
	assert.Equal(t, obfuscate.DerivedSalt("TPD"), salt)

	t.Run("username is rotated under the seals", func(t *testing.T) {
		innerToken, err := seal.Open(keys.OuterKey.Bytes(), artifact.Ciphertexts()[0])
		require.NoError(t, err)
		serialized, err := seal.Open(keys.InnerKey.Bytes(), innerToken)
		require.NoError(t, err)
		inner, err := model.DeserializeCredentialRecord(serialized)
		require.NoError(t, err)

		assert.Equal(t, "oitj", inner.PrimaryUsername())
		assert.Equal(t, obfuscate.Rotate("hunter2", 5, obfuscate.Forward), inner.PrimaryPassword())
	})

	t.Run("outer key alone cannot open", func(t *testing.T) {
		_, err := seal.Open(keys.InnerKey.Bytes(), artifact.Ciphertexts()[0])
		assert.ErrorIs(t, err, seal.ErrInvalidToken)
	})

	t.Run("rotation changed without tag", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaRotation, "6", artifact.IntegrityTag())
		_, err := svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})

	t.Run("rotation changed with recomputed tag", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaRotation, "6", integrity.ComputeTag("TPD", 6))
		got, err := svc.Unprotect(tampered, keys)
		assert.Error(t, err)
		assert.NotEqual(t, "jdoe", got.PrimaryUsername())
	})

	t.Run("wrong rotation never yields the username", func(t *testing.T) {
		// Key material that does not carry its parameters cannot detect
		// the change, but the rotation still garbles the username.
		inner, err := keys.InnerKey.Clone()
		require.NoError(t, err)
		outer, err := keys.OuterKey.Clone()
		require.NoError(t, err)
		bare := &model.KeyMaterial{Mode: model.ModeAdvanced, InnerKey: inner, OuterKey: outer}
		defer bare.Close()

		tampered := withMeta(artifact, model.MetaRotation, "6", integrity.ComputeTag("TPD", 6))
		got, err := svc.Unprotect(tampered, bare)
		if err == nil {
			assert.NotEqual(t, "jdoe", got.PrimaryUsername())
		}
	})

	t.Run("agency changed without tag", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaAgencyID, "XYZ", artifact.IntegrityTag())
		_, err := svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})

	t.Run("agency changed with recomputed tag and salt", func(t *testing.T) {
		inner, err := keys.InnerKey.Clone()
		require.NoError(t, err)
		outer, err := keys.OuterKey.Clone()
		require.NoError(t, err)
		bare := &model.KeyMaterial{Mode: model.ModeAdvanced, InnerKey: inner, OuterKey: outer}
		defer bare.Close()

		tampered := withMeta(artifact, model.MetaAgencyID, "XYZ", integrity.ComputeTag("XYZ", 5))
		tampered = withMeta(tampered, model.MetaSalt, obfuscate.DerivedSalt("XYZ"), tampered.IntegrityTag())

		_, err = svc.Unprotect(tampered, bare)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})

	t.Run("tag gate runs before keys are checked", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaRotation, "6", artifact.IntegrityTag())
		empty := &model.KeyMaterial{Mode: model.ModeAdvanced}

		_, err := svc.Unprotect(tampered, empty)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})

	t.Run("derived salt changed", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaSalt, "AAAAAAAAAAAAAAAA", artifact.IntegrityTag())
		_, err := svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})

	t.Run("tag replaced", func(t *testing.T) {
		_, err := svc.Unprotect(withMeta(artifact, model.MetaMode, string(model.ModeAdvanced), "0000000000000000"), keys)
		assert.True(t, errors.Is(err, model.ErrIntegrityCheckFailed), "got %v", err)
	})
}

func TestProtectService_AdvancedKeysSwapped(t *testing.T) {
	svc := newTestService(t)

	artifact, keys, err := svc.Protect(tpdRecord(t), model.ModeAdvanced)
	require.NoError(t, err)
	defer keys.Close()

	inner, err := keys.InnerKey.Clone()
	require.NoError(t, err)
	outer, err := keys.OuterKey.Clone()
	require.NoError(t, err)
	swapped := &model.KeyMaterial{Mode: model.ModeAdvanced, InnerKey: outer, OuterKey: inner, Rotation: keys.Rotation, DerivedSalt: keys.DerivedSalt}
	defer swapped.Close()

	_, err = svc.Unprotect(artifact, swapped)
	assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound), "got %v", err)

	// Without key ids the outer layer rejects the wrong key.
	stripped := withMeta(withMeta(artifact, model.MetaInnerKeyID, "", artifact.IntegrityTag()), model.MetaOuterKeyID, "", artifact.IntegrityTag())
	_, err = svc.Unprotect(stripped, swapped)
	assert.True(t, errors.Is(err, model.ErrAuthenticationFailed), "got %v", err)
}

func TestProtectService_SplitSecretScenario(t *testing.T) {
	svc := newTestService(t)
	record := tpdRecord(t)

	artifact, keys, err := svc.Protect(record, model.ModeSplitSecret)
	require.NoError(t, err)
	defer keys.Close()

	salt, _ := artifact.Meta(model.MetaSalt)
	assert.Equal(t, base64.StdEncoding.EncodeToString(keys.Salt), salt)
	scheme, _ := artifact.Meta(model.MetaKDF)
	assert.Equal(t, string(kdf.SchemePBKDF2SHA256), scheme)
	iterations, _ := artifact.Meta(model.MetaKDFIterations)
	assert.Equal(t, strconv.Itoa(kdf.MinIterations), iterations)

	t.Run("share B lost", func(t *testing.T) {
		serverOnly, err := keys.ForHolder(model.HolderServer)
		require.NoError(t, err)
		defer serverOnly.Close()

		got, err := svc.Unprotect(artifact, serverOnly)
		require.Error(t, err)
		kind := model.KindOf(err)
		assert.Contains(t, []model.ErrorKind{model.KindKeyMaterialNotFound, model.KindInvalidKeyShare}, kind)
		assert.True(t, got.IsZero())
	})

	t.Run("no key material", func(t *testing.T) {
		_, err := svc.Unprotect(artifact, nil)
		assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound))
	})

	t.Run("short share", func(t *testing.T) {
		shareA, err := keys.ShareA.Clone()
		require.NoError(t, err)
		shareB, err := secret.NewFromBytes(bytes.Repeat([]byte{1}, 16))
		require.NoError(t, err)
		bad := &model.KeyMaterial{Mode: model.ModeSplitSecret, ShareA: shareA, ShareB: shareB}
		defer bad.Close()

		_, err = svc.Unprotect(artifact, bad)
		assert.True(t, errors.Is(err, model.ErrInvalidKeyShare), "got %v", err)
	})

	t.Run("holders merge back", func(t *testing.T) {
		server, err := keys.ForHolder(model.HolderServer)
		require.NoError(t, err)
		defer server.Close()
		client, err := keys.ForHolder(model.HolderClient)
		require.NoError(t, err)
		defer client.Close()

		merged, err := model.MergeKeyMaterial(client, server)
		require.NoError(t, err)
		defer merged.Close()

		got, err := svc.Unprotect(artifact, merged)
		require.NoError(t, err)
		assert.True(t, record.Equal(got))
	})

	t.Run("iterations below minimum", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaKDFIterations, "1000", "")
		_, err := svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrMalformedRecord), "got %v", err)
	})

	t.Run("iterations above maximum", func(t *testing.T) {
		tampered := withMeta(artifact, model.MetaKDFIterations, "2000000000", "")
		started := time.Now()
		_, err := svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrMalformedRecord), "got %v", err)
		assert.Less(t, time.Since(started), time.Second)
	})

	t.Run("salt tampered", func(t *testing.T) {
		other := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, kdf.SaltSize))
		tampered := withMeta(artifact, model.MetaSalt, other, "")

		shareA, err := keys.ShareA.Clone()
		require.NoError(t, err)
		shareB, err := keys.ShareB.Clone()
		require.NoError(t, err)
		noSalt := &model.KeyMaterial{Mode: model.ModeSplitSecret, ShareA: shareA, ShareB: shareB}
		defer noSalt.Close()

		_, err = svc.Unprotect(tampered, noSalt)
		assert.True(t, errors.Is(err, model.ErrAuthenticationFailed), "got %v", err)

		_, err = svc.Unprotect(tampered, keys)
		assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound), "got %v", err)
	})
}

func TestProtectService_TamperDetection(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		mode model.Mode
		step int
	}{
		{model.ModeSimple, 1},
		// Each split-secret decode runs the KDF, so sample the token.
		{model.ModeSplitSecret, 11},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			artifact, keys, err := svc.Protect(tpdRecord(t), tt.mode)
			require.NoError(t, err)
			defer keys.Close()

			raw, err := base64.URLEncoding.DecodeString(string(artifact.Ciphertexts()[0]))
			require.NoError(t, err)

			indexes := []int{len(raw) - 1}
			for i := 0; i < len(raw); i += tt.step {
				indexes = append(indexes, i)
			}

			for _, i := range indexes {
				tampered := bytes.Clone(raw)
				tampered[i] ^= 0xFF
				blob := []byte(base64.URLEncoding.EncodeToString(tampered))

				got, err := svc.Unprotect(withCiphertext(artifact, blob), keys)
				require.Error(t, err, "byte %d", i)
				assert.True(t, errors.Is(err, model.ErrAuthenticationFailed), "byte %d: %v", i, err)
				assert.True(t, got.IsZero())
			}
		})
	}
}

func TestProtectService_WrongKey(t *testing.T) {
	svc := newTestService(t)

	artifact, _, err := svc.Protect(tpdRecord(t), model.ModeSimple)
	require.NoError(t, err)
	_, other, err := svc.Protect(tpdRecord(t), model.ModeSimple)
	require.NoError(t, err)
	defer other.Close()

	_, err = svc.Unprotect(artifact, other)
	assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound), "got %v", err)

	_, err = svc.Unprotect(withMeta(artifact, model.MetaKeyID, "", ""), other)
	assert.True(t, errors.Is(err, model.ErrAuthenticationFailed), "got %v", err)
}

func TestProtectService_ModeMismatch(t *testing.T) {
	svc := newTestService(t)

	artifact, _, err := svc.Protect(tpdRecord(t), model.ModeSimple)
	require.NoError(t, err)
	_, advancedKeys, err := svc.Protect(tpdRecord(t), model.ModeAdvanced)
	require.NoError(t, err)
	defer advancedKeys.Close()

	_, err = svc.Unprotect(artifact, advancedKeys)
	assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound))
}

func TestProtectService_MaxAge(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	old := newTestService(t, application.WithSealer(seal.Sealer{Now: func() time.Time { return issued }}))
	svc := newTestService(t)

	for _, mode := range []model.Mode{model.ModeSimple, model.ModeAdvanced} {
		t.Run(string(mode), func(t *testing.T) {
			artifact, keys, err := old.Protect(tpdRecord(t), mode)
			require.NoError(t, err)
			defer keys.Close()

			_, err = svc.Unprotect(artifact, keys, application.WithMaxAge(time.Minute))
			assert.True(t, errors.Is(err, model.ErrAuthenticationFailed), "got %v", err)

			_, err = svc.Unprotect(artifact, keys, application.WithMaxAge(2*time.Hour))
			assert.NoError(t, err)

			_, err = svc.Unprotect(artifact, keys)
			assert.NoError(t, err)
		})
	}
}

func TestProtectService_ArtifactNotMutated(t *testing.T) {
	svc := newTestService(t)

	artifact, keys, err := svc.Protect(richRecord(t), model.ModeAdvanced)
	require.NoError(t, err)
	defer keys.Close()

	before, err := json.Marshal(artifact)
	require.NoError(t, err)

	_, err = svc.Unprotect(artifact, keys)
	require.NoError(t, err)

	after, err := json.Marshal(artifact)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProtectService_InvalidInput(t *testing.T) {
	svc := newTestService(t)

	_, _, err := svc.Protect(model.CredentialRecord{}, model.ModeSimple)
	assert.True(t, errors.Is(err, model.ErrInvalidRecord))

	_, _, err = svc.Protect(tpdRecord(t), "rot13")
	assert.Error(t, err)

	_, _, err = svc.Protect(tpdRecord(t), model.ModeAdvanced, application.WithRotation(40))
	assert.Error(t, err)

	_, err = svc.Unprotect(nil, nil)
	assert.True(t, errors.Is(err, model.ErrMalformedRecord))

	garbage := model.NewProtectedArtifact(model.ModePlaintext, [][]byte{[]byte("junk")}, "", map[string]string{
		model.MetaMode: "plaintext", model.MetaFormatVersion: model.ArtifactFormatVersion,
	})
	_, err = svc.Unprotect(garbage, nil)
	assert.True(t, errors.Is(err, model.ErrMalformedRecord))

	_, err = application.NewProtectService(nil, application.WithKDFParams(kdf.Params{Scheme: kdf.SchemePBKDF2SHA256, Iterations: 10}))
	assert.Error(t, err)
}

func TestProtectService_AdvancedNonASCIIRoundTrip(t *testing.T) {
	svc := newTestService(t)
	record, err := model.BuildCredentialRecord("Policía Local", "señor.Núñez", "Zürich-€uro¿9", map[string]model.AuxiliaryCredential{
		"réseau": {Username: "ñandú", Password: "日本語pw"},
	})
	require.NoError(t, err)

	artifact, keys, err := svc.Protect(record, model.ModeAdvanced)
	require.NoError(t, err)
	defer keys.Close()

	got, err := svc.Unprotect(artifact, keys)
	require.NoError(t, err)
	assert.True(t, record.Equal(got))
	assert.Equal(t, "Zürich-€uro¿9", got.PrimaryPassword())
}

func TestProtectService_FreshKeysPerCall(t *testing.T) {
	svc := newTestService(t)
	record := tpdRecord(t)

	a, ka, err := svc.Protect(record, model.ModeSimple)
	require.NoError(t, err)
	defer ka.Close()
	b, kb, err := svc.Protect(record, model.ModeSimple)
	require.NoError(t, err)
	defer kb.Close()

	assert.NotEqual(t, ka.Key.Bytes(), kb.Key.Bytes())
	assert.NotEqual(t, a.Ciphertexts()[0], b.Ciphertexts()[0])
}
