package application

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/integrity"
	"github.com/ericfisherdev/credseal/internal/kdf"
	"github.com/ericfisherdev/credseal/internal/obfuscate"
	"github.com/ericfisherdev/credseal/internal/secret"
	"github.com/ericfisherdev/credseal/internal/seal"
)

const (
	layerPrimary = "primary"
	layerInner   = "inner"
	layerOuter   = "outer"
)

// ProtectService turns credential records into protected artifacts and
// back. It holds configuration only; every call works on its own key
// material and shares no mutable state with other calls, so one service may
// be used concurrently.
type ProtectService struct {
	keys   *KeyProvider
	kdf    kdf.Params
	sealer seal.Sealer
}

// ServiceOption configures a ProtectService.
type ServiceOption func(*ProtectService)

// WithKDFParams sets the derivation parameters for new split-secret
// artifacts. Decoding always uses the parameters recorded in the artifact.
func WithKDFParams(p kdf.Params) ServiceOption {
	return func(s *ProtectService) { s.kdf = p }
}

// WithSealer replaces the token sealer, typically to pin its clock in tests.
func WithSealer(sealer seal.Sealer) ServiceOption {
	return func(s *ProtectService) { s.sealer = sealer }
}

// NewProtectService creates a ProtectService that generates key material
// with keys.
func NewProtectService(keys *KeyProvider, opts ...ServiceOption) (*ProtectService, error) {
	s := &ProtectService{keys: keys, kdf: kdf.DefaultParams()}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = NewKeyProvider(nil)
	}
	if err := s.kdf.Validate(); err != nil {
		return nil, fmt.Errorf("protect service: %w", err)
	}
	return s, nil
}

type protectOptions struct {
	rotation *int
}

// ProtectOption adjusts a single Protect call.
type ProtectOption func(*protectOptions)

// WithRotation overrides the advanced-mode rotation, which otherwise
// follows from the agency identifier. Valid values are 0 through 30.
func WithRotation(rotation int) ProtectOption {
	return func(o *protectOptions) { o.rotation = &rotation }
}

type unprotectOptions struct {
	maxAge time.Duration
}

// UnprotectOption adjusts a single Unprotect call.
type UnprotectOption func(*unprotectOptions)

// WithMaxAge rejects artifacts sealed more than d ago with
// AuthenticationFailed. Plaintext artifacts carry no timestamp and are not
// affected.
func WithMaxAge(d time.Duration) UnprotectOption {
	return func(o *unprotectOptions) { o.maxAge = d }
}

// Protect encodes record under fresh key material for mode. It returns the
// artifact and the key material the caller must distribute out of band;
// the latter is nil for plaintext mode and must be closed by the caller.
func (s *ProtectService) Protect(record model.CredentialRecord, mode model.Mode, opts ...ProtectOption) (*model.ProtectedArtifact, *model.KeyMaterial, error) {
	if record.IsZero() {
		return nil, nil, model.Fail(model.KindInvalidRecord, "protect", errors.New("record was never built"))
	}
	var o protectOptions
	for _, opt := range opts {
		opt(&o)
	}

	km, err := s.keys.Generate(GenerateRequest{Mode: mode, AgencyID: record.AgencyID(), Rotation: o.rotation})
	if err != nil {
		return nil, nil, fmt.Errorf("protect: %w", err)
	}

	var artifact *model.ProtectedArtifact
	switch mode {
	case model.ModePlaintext:
		artifact, err = s.protectPlaintext(record)
	case model.ModeSimple:
		artifact, err = s.protectSimple(record, km)
	case model.ModeSplitSecret:
		artifact, err = s.protectSplit(record, km)
	case model.ModeAdvanced:
		artifact, err = s.protectAdvanced(record, km)
	}
	if err != nil {
		_ = km.Close()
		return nil, nil, err
	}

	if mode == model.ModePlaintext {
		_ = km.Close()
		return artifact, nil, nil
	}
	return artifact, km, nil
}

func baseMetadata(mode model.Mode) map[string]string {
	return map[string]string{
		model.MetaMode:          string(mode),
		model.MetaFormatVersion: model.ArtifactFormatVersion,
	}
}

func (s *ProtectService) protectPlaintext(record model.CredentialRecord) (*model.ProtectedArtifact, error) {
	data, err := record.Serialize()
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	meta := baseMetadata(model.ModePlaintext)
	meta[model.MetaInsecure] = "true"
	meta[model.MetaWarning] = model.PlaintextWarning
	return model.NewProtectedArtifact(model.ModePlaintext, [][]byte{data}, "", meta), nil
}

func (s *ProtectService) protectSimple(record model.CredentialRecord, km *model.KeyMaterial) (*model.ProtectedArtifact, error) {
	data, err := record.Serialize()
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	pipeline := layerPipeline{sealer: s.sealer, layers: []sealLayer{{name: layerPrimary, key: km.Key}}}
	token, err := pipeline.seal(data)
	if err != nil {
		return nil, err
	}

	meta := baseMetadata(model.ModeSimple)
	meta[model.MetaKeyID] = integrity.Fingerprint(km.Key.Bytes())
	return model.NewProtectedArtifact(model.ModeSimple, [][]byte{token}, "", meta), nil
}

func (s *ProtectService) protectSplit(record model.CredentialRecord, km *model.KeyMaterial) (*model.ProtectedArtifact, error) {
	key, err := kdf.Derive(km.ShareA.Bytes(), km.ShareB.Bytes(), km.Salt, s.kdf)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	data, err := record.Serialize()
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	pipeline := layerPipeline{sealer: s.sealer, layers: []sealLayer{{name: layerPrimary, key: key}}}
	token, err := pipeline.seal(data)
	if err != nil {
		return nil, err
	}

	meta := baseMetadata(model.ModeSplitSecret)
	meta[model.MetaSalt] = base64.StdEncoding.EncodeToString(km.Salt)
	meta[model.MetaKDF] = string(s.kdf.Scheme)
	meta[model.MetaKDFIterations] = strconv.Itoa(s.kdf.Iterations)
	meta[model.MetaShareAID] = integrity.Fingerprint(km.ShareA.Bytes())
	meta[model.MetaShareBID] = integrity.Fingerprint(km.ShareB.Bytes())
	return model.NewProtectedArtifact(model.ModeSplitSecret, [][]byte{token}, "", meta), nil
}

func (s *ProtectService) protectAdvanced(record model.CredentialRecord, km *model.KeyMaterial) (*model.ProtectedArtifact, error) {
	obfuscated := record.WithPrimaryCredentials(
		obfuscate.Rotate(record.PrimaryUsername(), km.Rotation, obfuscate.Forward),
		obfuscate.Rotate(record.PrimaryPassword(), km.Rotation, obfuscate.Forward),
	)

	data, err := obfuscated.Serialize()
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	token, err := advancedPipeline(s.sealer, km, 0).seal(data)
	if err != nil {
		return nil, err
	}

	agencyID := record.AgencyID()
	meta := baseMetadata(model.ModeAdvanced)
	meta[model.MetaAgencyID] = agencyID
	meta[model.MetaRotation] = strconv.Itoa(km.Rotation)
	meta[model.MetaSalt] = km.DerivedSalt
	meta[model.MetaInnerKeyID] = integrity.Fingerprint(km.InnerKey.Bytes())
	meta[model.MetaOuterKeyID] = integrity.Fingerprint(km.OuterKey.Bytes())
	meta[model.MetaLayers] = layerInner + "," + layerOuter

	tag := integrity.ComputeTag(agencyID, km.Rotation)
	return model.NewProtectedArtifact(model.ModeAdvanced, [][]byte{token}, tag, meta), nil
}

func advancedPipeline(sealer seal.Sealer, km *model.KeyMaterial, maxAge time.Duration) layerPipeline {
	return layerPipeline{
		sealer: sealer,
		layers: []sealLayer{
			{name: layerInner, key: km.InnerKey},
			{name: layerOuter, key: km.OuterKey},
		},
		maxAge: maxAge,
	}
}

// Unprotect reconstructs the record inside artifact using the supplied key
// material. Every failure is returned as a *model.ProtectionError and no
// partial record is ever returned. The artifact is not modified.
func (s *ProtectService) Unprotect(artifact *model.ProtectedArtifact, km *model.KeyMaterial, opts ...UnprotectOption) (model.CredentialRecord, error) {
	if artifact == nil {
		return model.CredentialRecord{}, model.Fail(model.KindMalformedRecord, "unprotect", errors.New("no artifact supplied"))
	}
	if err := artifact.Validate(); err != nil {
		return model.CredentialRecord{}, err
	}
	var o unprotectOptions
	for _, opt := range opts {
		opt(&o)
	}

	mode := artifact.Mode()
	if mode != model.ModePlaintext {
		if km == nil || km.Mode != mode {
			return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, "unprotect", fmt.Errorf("no %s key material supplied", mode))
		}
	}

	blob := artifact.Ciphertexts()[0]
	switch mode {
	case model.ModePlaintext:
		return model.DeserializeCredentialRecord(blob)
	case model.ModeSimple:
		return s.unprotectSimple(artifact, blob, km, o)
	case model.ModeSplitSecret:
		return s.unprotectSplit(artifact, blob, km, o)
	default:
		return s.unprotectAdvanced(artifact, blob, km, o)
	}
}

func openRecord(pipeline layerPipeline, blob []byte) (model.CredentialRecord, error) {
	data, err := pipeline.open(blob)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	defer secret.Zero(data)
	return model.DeserializeCredentialRecord(data)
}

func (s *ProtectService) unprotectSimple(artifact *model.ProtectedArtifact, blob []byte, km *model.KeyMaterial, o unprotectOptions) (model.CredentialRecord, error) {
	const op = "unprotect simple"

	if km.Key == nil {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("key is missing"))
	}
	if id, ok := artifact.Meta(model.MetaKeyID); ok && !integrity.MatchFingerprint(km.Key.Bytes(), id) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("supplied key is not key %s", id))
	}

	pipeline := layerPipeline{sealer: s.sealer, layers: []sealLayer{{name: layerPrimary, key: km.Key}}, maxAge: o.maxAge}
	return openRecord(pipeline, blob)
}

func (s *ProtectService) unprotectSplit(artifact *model.ProtectedArtifact, blob []byte, km *model.KeyMaterial, o unprotectOptions) (model.CredentialRecord, error) {
	const op = "unprotect split secret"

	if km.ShareA == nil || km.ShareB == nil {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("both key shares are required"))
	}
	shareA, shareB := km.ShareA.Bytes(), km.ShareB.Bytes()
	if err := kdf.ValidateShares(shareA, shareB); err != nil {
		return model.CredentialRecord{}, err
	}
	if id, ok := artifact.Meta(model.MetaShareAID); ok && !integrity.MatchFingerprint(shareA, id) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("share A is not share %s", id))
	}
	if id, ok := artifact.Meta(model.MetaShareBID); ok && !integrity.MatchFingerprint(shareB, id) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("share B is not share %s", id))
	}

	params, salt, err := splitParams(artifact)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	if len(km.Salt) > 0 && string(km.Salt) != string(salt) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("key material salt does not match artifact"))
	}

	key, err := kdf.Derive(shareA, shareB, salt, params)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	defer key.Close()

	pipeline := layerPipeline{sealer: s.sealer, layers: []sealLayer{{name: layerPrimary, key: key}}, maxAge: o.maxAge}
	return openRecord(pipeline, blob)
}

// splitParams reads the derivation parameters recorded in a split-secret
// artifact.
func splitParams(artifact *model.ProtectedArtifact) (kdf.Params, []byte, error) {
	const op = "split secret metadata"

	encodedSalt, _ := artifact.Meta(model.MetaSalt)
	salt, err := base64.StdEncoding.DecodeString(encodedSalt)
	if err != nil || len(salt) == 0 {
		return kdf.Params{}, nil, model.Fail(model.KindMalformedRecord, op, fmt.Errorf("invalid salt %q", encodedSalt))
	}

	params := kdf.Params{Scheme: kdf.SchemePBKDF2SHA256, Iterations: kdf.DefaultIterations}
	if v, ok := artifact.Meta(model.MetaKDF); ok {
		if params.Scheme, err = kdf.ParseScheme(v); err != nil {
			return kdf.Params{}, nil, model.Fail(model.KindMalformedRecord, op, err)
		}
	}
	if v, ok := artifact.Meta(model.MetaKDFIterations); ok {
		if params.Iterations, err = strconv.Atoi(v); err != nil {
			return kdf.Params{}, nil, model.Fail(model.KindMalformedRecord, op, fmt.Errorf("kdf iterations: %w", err))
		}
	}
	if err := params.Validate(); err != nil {
		return kdf.Params{}, nil, model.Fail(model.KindMalformedRecord, op, err)
	}
	return params, salt, nil
}

func (s *ProtectService) unprotectAdvanced(artifact *model.ProtectedArtifact, blob []byte, km *model.KeyMaterial, o unprotectOptions) (model.CredentialRecord, error) {
	const op = "unprotect advanced"

	agencyID, rotation, err := verifyAdvancedParams(artifact)
	if err != nil {
		return model.CredentialRecord{}, err
	}

	if km.InnerKey == nil || km.OuterKey == nil {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("inner and outer keys are required"))
	}
	if km.DerivedSalt != "" {
		salt, _ := artifact.Meta(model.MetaSalt)
		if km.DerivedSalt != salt || km.Rotation != rotation {
			return model.CredentialRecord{}, model.Fail(model.KindIntegrityCheckFailed, op, errors.New("key material was generated for different parameters"))
		}
	}
	if id, ok := artifact.Meta(model.MetaInnerKeyID); ok && !integrity.MatchFingerprint(km.InnerKey.Bytes(), id) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("inner key is not key %s", id))
	}
	if id, ok := artifact.Meta(model.MetaOuterKeyID); ok && !integrity.MatchFingerprint(km.OuterKey.Bytes(), id) {
		return model.CredentialRecord{}, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("outer key is not key %s", id))
	}

	obfuscated, err := openRecord(advancedPipeline(s.sealer, km, o.maxAge), blob)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	if obfuscated.AgencyID() != agencyID {
		return model.CredentialRecord{}, model.Fail(model.KindIntegrityCheckFailed, op, errors.New("record agency does not match artifact"))
	}

	return obfuscated.WithPrimaryCredentials(
		obfuscate.Rotate(obfuscated.PrimaryUsername(), rotation, obfuscate.Reverse),
		obfuscate.Rotate(obfuscated.PrimaryPassword(), rotation, obfuscate.Reverse),
	), nil
}

// verifyAdvancedParams is the integrity gate: it checks the tag and the
// agency-derived salt before any key is touched.
func verifyAdvancedParams(artifact *model.ProtectedArtifact) (string, int, error) {
	const op = "verify integrity tag"

	agencyID, _ := artifact.Meta(model.MetaAgencyID)
	rawRotation, _ := artifact.Meta(model.MetaRotation)
	rotation, err := strconv.Atoi(rawRotation)
	if err != nil || agencyID == "" {
		return "", 0, model.Fail(model.KindIntegrityCheckFailed, op, fmt.Errorf("invalid agency %q or rotation %q", agencyID, rawRotation))
	}
	if !integrity.VerifyTag(agencyID, rotation, artifact.IntegrityTag()) {
		return "", 0, model.Fail(model.KindIntegrityCheckFailed, op, errors.New("tag does not match agency and rotation"))
	}
	if err := obfuscate.ValidateRotation(rotation); err != nil {
		return "", 0, model.Fail(model.KindIntegrityCheckFailed, op, err)
	}
	if salt, _ := artifact.Meta(model.MetaSalt); salt != obfuscate.DerivedSalt(agencyID) {
		return "", 0, model.Fail(model.KindIntegrityCheckFailed, op, errors.New("derived salt does not match agency"))
	}
	return agencyID, rotation, nil
}
