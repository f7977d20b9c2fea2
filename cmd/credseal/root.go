package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/credseal/internal/config"
)

// app carries what every subcommand needs once the root has loaded the
// environment.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "credseal",
		Short: "credseal - credential protection for generated agent prompts",
		Long: `credseal turns a credential record into a protected artifact that can be
embedded in, or referenced by, a generated prompt, and turns it back into the
record for a consumer holding the right key material.

Modes: plaintext (unencrypted, labeled insecure), simple, split_secret and
advanced. Configuration is read from CREDSEAL_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(a.logger)
			return nil
		},
	}

	rootCmd.AddCommand(newProtectCmd(a))
	rootCmd.AddCommand(newUnprotectCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newKeygenAgeCmd(a))
	rootCmd.AddCommand(newKeygenMasterCmd(a))

	return rootCmd
}
