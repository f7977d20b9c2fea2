package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/credseal/internal/adapter/driven/agebox"
	"github.com/ericfisherdev/credseal/internal/adapter/driven/keyring"
	"github.com/ericfisherdev/credseal/internal/config"
	"github.com/ericfisherdev/credseal/internal/secret"
)

func newKeygenAgeCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen-age",
		Short: "Generate an age identity for receiving sealed key bundles",
		Long: `Keygen-age writes a new age X25519 identity to --out with owner-only
permissions and prints its recipient. Hand the recipient to the producing side
for protect --recipient; keep the identity file for unprotect --identity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := agebox.GenerateIdentity()
			if err != nil {
				return err
			}
			defer id.Close()

			if err := writeNewPrivateFile(out, id.PrivateKey.Bytes()); err != nil {
				return err
			}
			a.logger.Info("age identity written", "path", out)

			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.Recipient)
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "credseal-identity.txt", "identity file to create")
	return cmd
}

func newKeygenMasterCmd(a *app) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "keygen-master",
		Short: "Generate the master key that wraps bundles in the sqlite key store",
		Long: `Keygen-master generates a random master key and saves it in the OS keychain
under CREDSEAL_KEYRING_SERVICE, where the sqlite key store finds it when
CREDSEAL_MASTER_KEY is unset. With --print the key is printed as base64 for
CREDSEAL_MASTER_KEY instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := make([]byte, config.MasterKeySize)
			defer secret.Zero(key)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate master key: %w", err)
			}

			if printOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
				return err
			}

			store := keyring.NewStore(a.cfg.KeyringService)
			if !store.Available() {
				return errors.New("OS keychain is not available: use --print and set CREDSEAL_MASTER_KEY")
			}
			if err := store.SetMasterKey(key); err != nil {
				return err
			}
			a.logger.Info("master key saved to keychain", "service", a.cfg.KeyringService)
			return nil
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the key instead of saving it to the keychain")
	return cmd
}

// writeNewPrivateFile creates path with mode 0600 holding data and a
// trailing newline, refusing to replace an existing file.
func writeNewPrivateFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	for _, chunk := range [][]byte{data, []byte("\n")} {
		if _, err := f.Write(chunk); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return f.Close()
}
