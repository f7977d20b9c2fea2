package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/credseal/internal/adapter/driven/agebox"
	"github.com/ericfisherdev/credseal/internal/adapter/driven/filestore"
	"github.com/ericfisherdev/credseal/internal/adapter/driving/prompt"
	"github.com/ericfisherdev/credseal/internal/application"
	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

type protectFlags struct {
	mode       string
	rotation   int
	out        string
	markdown   bool
	recipients []string
	keysOut    string
}

func newProtectCmd(a *app) *cobra.Command {
	var f protectFlags

	cmd := &cobra.Command{
		Use:   "protect [record.json]",
		Short: "Protect a credential record",
		Long: `Protect reads a credential record (JSON, from a file or stdin) and writes the
protected artifact to --out or stdout.

The key material is persisted to the configured key store and each location
token is printed to stderr. Split-secret shares are stored separately, server
share first. With --recipient the key bundle is instead sealed to one or more
age recipients and written to --keys-out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProtect(cmd, args, f)
		},
	}

	cmd.Flags().StringVarP(&f.mode, "mode", "m", string(model.ModeSimple), "protection mode: plaintext, simple, split_secret or advanced")
	cmd.Flags().IntVar(&f.rotation, "rotation", 0, "advanced-mode rotation 0-30 (default derived from the agency)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the artifact to this file instead of stdout")
	cmd.Flags().BoolVar(&f.markdown, "markdown", false, "write the artifact as a fenced markdown block")
	cmd.Flags().StringSliceVarP(&f.recipients, "recipient", "r", nil, "age recipient to seal the key bundle to (repeatable)")
	cmd.Flags().StringVar(&f.keysOut, "keys-out", "", "file for the age-sealed key bundle")
	cmd.MarkFlagsRequiredTogether("recipient", "keys-out")

	return cmd
}

func (a *app) runProtect(cmd *cobra.Command, args []string, f protectFlags) error {
	ctx := cmd.Context()

	mode, err := model.ParseMode(f.mode)
	if err != nil {
		return err
	}
	var opts []application.ProtectOption
	if cmd.Flags().Changed("rotation") {
		if mode != model.ModeAdvanced {
			return fmt.Errorf("--rotation applies to advanced mode only")
		}
		opts = append(opts, application.WithRotation(f.rotation))
	}
	for _, r := range f.recipients {
		if err := agebox.ValidateRecipient(r); err != nil {
			return err
		}
	}

	data, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	record, err := parseRecord(data)
	secret.Zero(data)
	if err != nil {
		return err
	}

	persist := mode.Secure() && len(f.recipients) == 0
	svc, keys, release, err := a.pipeline(cmd, persist)
	if err != nil {
		return err
	}
	defer release()

	artifact, km, err := svc.Protect(record, mode, opts...)
	if err != nil {
		return err
	}
	defer km.Close()

	// Keys go out first: an artifact must never outlive its keys.
	var (
		tokens     []application.LocationToken
		sealedPath string
	)
	switch {
	case km == nil:
	case len(f.recipients) > 0:
		if err := sealKeys(km, f.recipients, f.keysOut); err != nil {
			return err
		}
		sealedPath = f.keysOut
	default:
		if tokens, err = keys.PersistAll(ctx, km); err != nil {
			return err
		}
	}

	if err := a.writeArtifact(cmd.OutOrStdout(), artifact, f); err != nil {
		a.discardKeys(ctx, keys, tokens, sealedPath)
		return err
	}

	switch {
	case km == nil:
		a.logger.Warn("plaintext artifact written: credentials are NOT encrypted", "agency_id", record.AgencyID())
	case len(f.recipients) > 0:
		a.logger.Info("key bundle sealed", "mode", mode, "recipients", len(f.recipients), "path", f.keysOut)
	default:
		for i, token := range tokens {
			fmt.Fprintf(cmd.ErrOrStderr(), "key location (%s): %s\n", locationLabel(mode, i), token)
		}
		a.logger.Info("key material persisted", "mode", mode, "backend", a.cfg.KeyStore, "locations", len(tokens))
	}
	return nil
}

// discardKeys removes key material stored for an artifact that was never
// written.
func (a *app) discardKeys(ctx context.Context, keys *application.KeyProvider, tokens []application.LocationToken, sealedPath string) {
	if len(tokens) > 0 {
		if err := keys.DeleteAll(ctx, tokens); err != nil {
			a.logger.Error("failed to remove stored key material", "error", err)
		}
	}
	if sealedPath != "" {
		if err := os.Remove(sealedPath); err != nil {
			a.logger.Error("failed to remove sealed key bundle", "path", sealedPath, "error", err)
		}
	}
}

// pipeline builds the protection service, opening the key store only when
// the command needs it. The returned func releases the store.
func (a *app) pipeline(cmd *cobra.Command, needStore bool) (*application.ProtectService, *application.KeyProvider, func(), error) {
	if !needStore {
		svc, keys, err := a.newProtectService(nil)
		return svc, keys, func() {}, err
	}

	store, release, err := a.openKeyStore(cmd.Context())
	if err != nil {
		return nil, nil, nil, err
	}
	svc, keys, err := a.newProtectService(store)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return svc, keys, release, nil
}

func (a *app) writeArtifact(stdout io.Writer, artifact *model.ProtectedArtifact, f protectFlags) error {
	var encoded []byte
	if f.markdown {
		block, err := prompt.RenderBlock(artifact)
		if err != nil {
			return err
		}
		encoded = []byte(block)
	} else {
		data, err := json.MarshalIndent(artifact, "", "  ")
		if err != nil {
			return fmt.Errorf("encode artifact: %w", err)
		}
		encoded = append(data, '\n')
	}

	if f.out == "" {
		_, err := stdout.Write(encoded)
		return err
	}
	if err := filestore.WriteArtifact(f.out, encoded); err != nil {
		return err
	}
	a.logger.Info("artifact written", "path", f.out, "mode", artifact.Mode())
	return nil
}

func sealKeys(km *model.KeyMaterial, recipients []string, path string) error {
	bundle, err := km.MarshalBundle()
	if err != nil {
		return err
	}
	defer secret.Zero(bundle)

	sealed, err := agebox.SealBundle(bundle, recipients)
	if err != nil {
		return err
	}
	return filestore.WriteArtifact(path, []byte(sealed+"\n"))
}

func locationLabel(mode model.Mode, i int) string {
	if mode != model.ModeSplitSecret {
		return "key"
	}
	if i == 0 {
		return "server share"
	}
	return "client share"
}
