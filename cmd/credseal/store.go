package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credseal/internal/adapter/driven/filestore"
	"github.com/ericfisherdev/credseal/internal/adapter/driven/keyring"
	sqliteadapter "github.com/ericfisherdev/credseal/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/credseal/internal/application"
	"github.com/ericfisherdev/credseal/internal/config"
	"github.com/ericfisherdev/credseal/internal/domain/port/driven"
)

// openKeyStore opens the backend selected by CREDSEAL_KEYSTORE. The returned
// func releases it and must be called once the store is no longer needed.
func (a *app) openKeyStore(ctx context.Context) (driven.KeyStore, func(), error) {
	switch a.cfg.KeyStore {
	case config.KeyStoreSQLite:
		return a.openSQLiteStore(ctx)

	case config.KeyStoreKeyring:
		store := keyring.NewStore(a.cfg.KeyringService)
		if !store.Available() {
			return nil, nil, errors.New("OS keychain is not available: set CREDSEAL_KEYSTORE to file or sqlite")
		}
		a.logger.Debug("key store opened", "backend", store.Backend(), "service", a.cfg.KeyringService)
		return store, func() {}, nil

	default:
		store, err := filestore.NewKeyStore(a.cfg.KeyDir)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Debug("key store opened", "backend", store.Backend(), "dir", store.Dir())
		return store, func() {}, nil
	}
}

func (a *app) openSQLiteStore(ctx context.Context) (driven.KeyStore, func(), error) {
	masterKey, err := a.masterKey()
	if err != nil {
		return nil, nil, err
	}

	db, err := sqliteadapter.NewDB(ctx, a.cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	a.logger.Debug("key store opened", "backend", "sqlite", "path", db.Path())

	repo := sqliteadapter.NewKeyRepo(db, masterKey)
	release := func() {
		repo.Wipe()
		if err := db.Close(); err != nil {
			a.logger.Error("error closing database", "error", err)
		}
	}
	return repo, release, nil
}

// masterKey resolves the SQLite wrapping key: CREDSEAL_MASTER_KEY first,
// then the OS keychain.
func (a *app) masterKey() ([]byte, error) {
	if a.cfg.HasMasterKey() {
		return a.cfg.MasterKey, nil
	}

	store := keyring.NewStore(a.cfg.KeyringService)
	if !store.Available() {
		return nil, driven.ErrEncryptionKeyNotSet
	}
	key, err := store.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("load master key from keychain: %w", err)
	}
	a.logger.Debug("master key loaded from keychain", "service", a.cfg.KeyringService)
	return key, nil
}

// newProtectService builds the pipeline over store, which may be nil when
// the command never persists or loads key material.
func (a *app) newProtectService(store driven.KeyStore) (*application.ProtectService, *application.KeyProvider, error) {
	keys := application.NewKeyProvider(store)
	svc, err := application.NewProtectService(keys, application.WithKDFParams(a.cfg.KDF))
	if err != nil {
		return nil, nil, err
	}
	return svc, keys, nil
}
