// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ericfisherdev/credseal/internal/kdf"
)

// Key store backends selectable with CREDSEAL_KEYSTORE.
const (
	KeyStoreFile    = "file"
	KeyStoreSQLite  = "sqlite"
	KeyStoreKeyring = "keyring"
)

// MasterKeySize is the decoded length of CREDSEAL_MASTER_KEY.
const MasterKeySize = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	KeyStore       string
	KeyDir         string
	DBPath         string
	KeyringService string
	KDF            kdf.Params
	ListenAddr     string
	LogLevel       slog.Level

	// MasterKey wraps key bundles in the sqlite store. It is nil when
	// CREDSEAL_MASTER_KEY is unset; the caller should zero it once it has
	// been copied into a locked buffer.
	MasterKey []byte
}

// HasMasterKey reports whether CREDSEAL_MASTER_KEY was provided. The
// composition root falls back to the OS keychain when it was not.
func (c *Config) HasMasterKey() bool {
	return len(c.MasterKey) > 0
}

// Load reads configuration from environment variables and returns a validated Config.
// All variables are optional: CREDSEAL_KEYSTORE (file), CREDSEAL_KEY_DIR
// (credentials), CREDSEAL_DB_PATH (credseal.db), CREDSEAL_MASTER_KEY (unset),
// CREDSEAL_KEYRING_SERVICE (credseal), CREDSEAL_KDF_SCHEME (pbkdf2-sha256),
// CREDSEAL_KDF_ITERATIONS (480000), CREDSEAL_LISTEN_ADDR (127.0.0.1:8088),
// CREDSEAL_LOG_LEVEL (info).
func Load() (*Config, error) {
	cfg := &Config{
		KeyStore:       KeyStoreFile,
		KeyDir:         "credentials",
		DBPath:         "credseal.db",
		KeyringService: "credseal",
		KDF:            kdf.DefaultParams(),
		ListenAddr:     "127.0.0.1:8088",
		LogLevel:       slog.LevelInfo,
	}

	if v, ok := os.LookupEnv("CREDSEAL_KEYSTORE"); ok && v != "" {
		switch v {
		case KeyStoreFile, KeyStoreSQLite, KeyStoreKeyring:
			cfg.KeyStore = v
		default:
			return nil, fmt.Errorf("CREDSEAL_KEYSTORE has invalid value %q: want file, sqlite or keyring", v)
		}
	}

	if v, ok := os.LookupEnv("CREDSEAL_KEY_DIR"); ok && v != "" {
		cfg.KeyDir = v
	}

	if v, ok := os.LookupEnv("CREDSEAL_DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}

	if v, ok := os.LookupEnv("CREDSEAL_KEYRING_SERVICE"); ok && v != "" {
		cfg.KeyringService = v
	}

	if v, ok := os.LookupEnv("CREDSEAL_MASTER_KEY"); ok && v != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("CREDSEAL_MASTER_KEY is not valid base64: %w", err)
		}
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("CREDSEAL_MASTER_KEY must decode to %d bytes, got %d", MasterKeySize, len(key))
		}
		cfg.MasterKey = key
	}

	if v, ok := os.LookupEnv("CREDSEAL_KDF_SCHEME"); ok && v != "" {
		scheme, err := kdf.ParseScheme(v)
		if err != nil {
			return nil, fmt.Errorf("CREDSEAL_KDF_SCHEME: %w", err)
		}
		cfg.KDF.Scheme = scheme
	}

	if v, ok := os.LookupEnv("CREDSEAL_KDF_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CREDSEAL_KDF_ITERATIONS has invalid integer %q: %w", v, err)
		}
		cfg.KDF.Iterations = n
	}
	if err := cfg.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("CREDSEAL_KDF_ITERATIONS: %w", err)
	}

	if v, ok := os.LookupEnv("CREDSEAL_LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}

	if v, ok := os.LookupEnv("CREDSEAL_LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CREDSEAL_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	return cfg, nil
}
