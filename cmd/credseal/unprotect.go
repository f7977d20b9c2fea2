package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/credseal/internal/adapter/driven/agebox"
	"github.com/ericfisherdev/credseal/internal/adapter/driven/filestore"
	"github.com/ericfisherdev/credseal/internal/adapter/driving/prompt"
	"github.com/ericfisherdev/credseal/internal/application"
	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

type unprotectFlags struct {
	markdown   bool
	keyRefs    []string
	keyFiles   []string
	sealedKeys string
	identity   string
	maxAge     time.Duration
}

func newUnprotectCmd(a *app) *cobra.Command {
	var f unprotectFlags

	cmd := &cobra.Command{
		Use:   "unprotect [artifact]",
		Short: "Recover a credential record from a protected artifact",
		Long: `Unprotect reads an artifact (JSON, or a markdown document with --markdown)
from a file or stdin and prints the credential record as JSON.

Key material can come from location tokens in the configured key store
(--key, repeatable), plain key bundle files (--keys-file, repeatable) or an
age-sealed bundle (--sealed-keys with --identity). All supplied material is
merged, so the two split-secret shares may come from different sources.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUnprotect(cmd, args, f)
		},
	}

	cmd.Flags().BoolVar(&f.markdown, "markdown", false, "read the artifact from a fenced block in a markdown document")
	cmd.Flags().StringSliceVarP(&f.keyRefs, "key", "k", nil, "key location token, <backend>:<ref> (repeatable)")
	cmd.Flags().StringSliceVar(&f.keyFiles, "keys-file", nil, "plain JSON key bundle file (repeatable)")
	cmd.Flags().StringVar(&f.sealedKeys, "sealed-keys", "", "age-sealed key bundle file")
	cmd.Flags().StringVar(&f.identity, "identity", "", "age identity file for --sealed-keys")
	cmd.Flags().DurationVar(&f.maxAge, "max-age", 0, "reject artifacts sealed longer ago than this")
	cmd.MarkFlagsRequiredTogether("sealed-keys", "identity")

	return cmd
}

func (a *app) runUnprotect(cmd *cobra.Command, args []string, f unprotectFlags) error {
	data, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	var artifact *model.ProtectedArtifact
	if f.markdown {
		artifact, err = prompt.ExtractArtifact(data)
	} else {
		artifact, err = model.ParseProtectedArtifact(data)
	}
	if err != nil {
		return err
	}
	if artifact.Insecure() {
		a.logger.Warn("artifact is plaintext: credentials were never encrypted")
	}

	svc, keys, release, err := a.pipeline(cmd, len(f.keyRefs) > 0)
	if err != nil {
		return err
	}
	defer release()

	km, err := a.gatherKeys(cmd.Context(), keys, artifact.Mode(), f)
	if err != nil {
		return err
	}
	defer km.Close()

	var opts []application.UnprotectOption
	if f.maxAge > 0 {
		opts = append(opts, application.WithMaxAge(f.maxAge))
	}

	record, err := svc.Unprotect(artifact, km, opts...)
	if err != nil {
		return err
	}

	out, err := formatRecord(record)
	if err != nil {
		return err
	}
	defer secret.Zero(out)

	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// gatherKeys loads every key source named by the flags and merges them. It
// returns nil when no source was given.
func (a *app) gatherKeys(ctx context.Context, keys *application.KeyProvider, mode model.Mode, f unprotectFlags) (*model.KeyMaterial, error) {
	var parts []*model.KeyMaterial
	defer func() {
		for _, part := range parts {
			_ = part.Close()
		}
	}()

	for _, ref := range f.keyRefs {
		token, err := application.ParseLocationToken(ref)
		if err != nil {
			return nil, err
		}
		km, err := keys.Load(ctx, token, mode)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}

	for _, path := range f.keyFiles {
		km, err := readKeyBundle(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}

	if f.sealedKeys != "" {
		km, err := openSealedKeys(f.sealedKeys, f.identity)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}

	if len(parts) == 0 {
		return nil, nil
	}
	a.logger.Debug("key material gathered", "mode", mode, "sources", len(parts))
	return model.MergeKeyMaterial(parts...)
}

func readKeyBundle(path string) (*model.KeyMaterial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key bundle: %w", err)
	}
	defer secret.Zero(data)
	return model.ParseKeyBundle(data)
}

func openSealedKeys(sealedPath, identityPath string) (*model.KeyMaterial, error) {
	sealed, err := filestore.ReadArtifact(sealedPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("read age identity: %w", err)
	}
	identity, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("read age identity: %w", err)
	}
	defer identity.Close()

	bundle, err := agebox.OpenBundle(string(sealed), identity)
	if err != nil {
		return nil, err
	}
	defer bundle.Close()

	return model.ParseKeyBundle(bundle.Bytes())
}
