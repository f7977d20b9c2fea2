package application

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/domain/port/driven"
	"github.com/ericfisherdev/credseal/internal/kdf"
	"github.com/ericfisherdev/credseal/internal/obfuscate"
	"github.com/ericfisherdev/credseal/internal/secret"
)

// LocationToken references persisted key material without containing it.
// Its string form is "<backend>:<ref>".
type LocationToken struct {
	Backend string
	Ref     string
}

func (t LocationToken) String() string {
	return t.Backend + ":" + t.Ref
}

// ParseLocationToken parses the "<backend>:<ref>" form. A malformed token
// yields KeyMaterialNotFound since it cannot reference anything.
func ParseLocationToken(s string) (LocationToken, error) {
	backend, ref, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || backend == "" || ref == "" {
		return LocationToken{}, model.Fail(model.KindKeyMaterialNotFound, "parse location token", fmt.Errorf("malformed location token %q", s))
	}
	return LocationToken{Backend: backend, Ref: ref}, nil
}

// GenerateRequest describes the key material to generate.
type GenerateRequest struct {
	Mode model.Mode

	// AgencyID and Rotation apply to advanced mode only. A nil Rotation
	// selects the default rotation for AgencyID.
	AgencyID string
	Rotation *int
}

// KeyProvider generates key material and moves it in and out of a
// driven.KeyStore. It keeps no key bytes between calls.
type KeyProvider struct {
	store driven.KeyStore
	rand  io.Reader
}

// NewKeyProvider creates a KeyProvider backed by store. store may be nil
// when the caller only generates key material; Persist, Load and Delete
// then fail with KeyMaterialNotFound.
func NewKeyProvider(store driven.KeyStore) *KeyProvider {
	return &KeyProvider{store: store, rand: rand.Reader}
}

// Generate returns fresh random key material for req.Mode. Plaintext mode
// yields material with no keys. The caller owns the result and must Close it.
func (p *KeyProvider) Generate(req GenerateRequest) (*model.KeyMaterial, error) {
	km := &model.KeyMaterial{Mode: req.Mode}

	fail := func(err error) (*model.KeyMaterial, error) {
		_ = km.Close()
		return nil, fmt.Errorf("generate %s key material: %w", req.Mode, err)
	}

	var err error
	switch req.Mode {
	case model.ModePlaintext:

	case model.ModeSimple:
		if km.Key, err = secret.NewRandomFrom(p.rand, model.KeySize); err != nil {
			return fail(err)
		}

	case model.ModeSplitSecret:
		if km.ShareA, err = secret.NewRandomFrom(p.rand, kdf.ShareSize); err != nil {
			return fail(err)
		}
		if km.ShareB, err = secret.NewRandomFrom(p.rand, kdf.ShareSize); err != nil {
			return fail(err)
		}
		km.Salt = make([]byte, kdf.SaltSize)
		if _, err = io.ReadFull(p.rand, km.Salt); err != nil {
			return fail(err)
		}

	case model.ModeAdvanced:
		if req.AgencyID == "" {
			return fail(model.Fail(model.KindInvalidRecord, "advanced key material", errors.New("agency id is required")))
		}
		km.Rotation = obfuscate.RotationFor(req.AgencyID)
		if req.Rotation != nil {
			if err = obfuscate.ValidateRotation(*req.Rotation); err != nil {
				return fail(err)
			}
			km.Rotation = *req.Rotation
		}
		km.DerivedSalt = obfuscate.DerivedSalt(req.AgencyID)
		if km.InnerKey, err = secret.NewRandomFrom(p.rand, model.KeySize); err != nil {
			return fail(err)
		}
		if km.OuterKey, err = secret.NewRandomFrom(p.rand, model.KeySize); err != nil {
			return fail(err)
		}

	default:
		return fail(fmt.Errorf("unknown mode %q", req.Mode))
	}

	return km, nil
}

// Persist writes km to the key store under a fresh reference and returns a
// token for it. The serialized bundle is zeroed once written.
func (p *KeyProvider) Persist(ctx context.Context, km *model.KeyMaterial) (LocationToken, error) {
	if p.store == nil {
		return LocationToken{}, errors.New("persist key material: no key store configured")
	}
	if km == nil || km.Mode == model.ModePlaintext {
		return LocationToken{}, errors.New("persist key material: nothing to persist")
	}

	bundle, err := km.MarshalBundle()
	if err != nil {
		return LocationToken{}, err
	}
	defer secret.Zero(bundle)

	token := LocationToken{Backend: p.store.Backend(), Ref: uuid.NewString()}
	if err := p.store.Put(ctx, token.Ref, bundle); err != nil {
		return LocationToken{}, fmt.Errorf("persist key material to %s: %w", token.Backend, err)
	}
	return token, nil
}

// PersistAll writes km to the key store and returns one token per stored
// part. Split-secret material is stored as two locations, server share
// first, so each holder can be handed only its own share; other modes are
// stored whole. If any part fails to store, the parts already written are
// deleted before the error is returned.
func (p *KeyProvider) PersistAll(ctx context.Context, km *model.KeyMaterial) ([]LocationToken, error) {
	if km == nil || km.Mode != model.ModeSplitSecret {
		token, err := p.Persist(ctx, km)
		if err != nil {
			return nil, err
		}
		return []LocationToken{token}, nil
	}

	tokens := make([]LocationToken, 0, 2)
	for _, holder := range []model.Holder{model.HolderServer, model.HolderClient} {
		part, err := km.ForHolder(holder)
		if err != nil {
			return nil, fmt.Errorf("persist %s share: %w", holder, err)
		}
		token, err := p.Persist(ctx, part)
		_ = part.Close()
		if err != nil {
			_ = p.DeleteAll(ctx, tokens)
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// Load reads the key material referenced by token. It fails with
// KeyMaterialNotFound if the location is missing, belongs to a different
// backend, holds a malformed bundle or holds material for another mode.
func (p *KeyProvider) Load(ctx context.Context, token LocationToken, mode model.Mode) (*model.KeyMaterial, error) {
	const op = "load key material"

	if p.store == nil {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, errors.New("no key store configured"))
	}
	if token.Backend != p.store.Backend() {
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("token %s is not in the %s store", token, p.store.Backend()))
	}

	bundle, err := p.store.Get(ctx, token.Ref)
	if err != nil {
		if errors.Is(err, driven.ErrKeyNotFound) {
			return nil, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("%s: %w", token, err))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer secret.Zero(bundle)

	km, err := model.ParseKeyBundle(bundle)
	if err != nil {
		return nil, err
	}
	if km.Mode != mode {
		_ = km.Close()
		return nil, model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("%s holds %s key material, want %s", token, km.Mode, mode))
	}
	return km, nil
}

// LoadAll loads every token and merges the results, as needed when the two
// split-secret shares are persisted separately.
func (p *KeyProvider) LoadAll(ctx context.Context, tokens []LocationToken, mode model.Mode) (*model.KeyMaterial, error) {
	parts := make([]*model.KeyMaterial, 0, len(tokens))
	defer func() {
		for _, part := range parts {
			_ = part.Close()
		}
	}()

	for _, token := range tokens {
		km, err := p.Load(ctx, token, mode)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}
	return model.MergeKeyMaterial(parts...)
}

// Delete removes the key material referenced by token.
func (p *KeyProvider) Delete(ctx context.Context, token LocationToken) error {
	const op = "delete key material"

	if p.store == nil || token.Backend != p.store.Backend() {
		return model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("token %s is not in the configured store", token))
	}
	if err := p.store.Delete(ctx, token.Ref); err != nil {
		if errors.Is(err, driven.ErrKeyNotFound) {
			return model.Fail(model.KindKeyMaterialNotFound, op, fmt.Errorf("%s: %w", token, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteAll removes every location in tokens, continuing past failures, and
// returns the joined errors.
func (p *KeyProvider) DeleteAll(ctx context.Context, tokens []LocationToken) error {
	var errs []error
	for _, token := range tokens {
		if err := p.Delete(ctx, token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
