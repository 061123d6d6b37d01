// Package cli holds the mailclaim command tree.
package cli

import (
	"fmt"
	"io"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/proof"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the mailclaim command with all subcommands attached
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailclaim",
		Short: "Prove claims carried by DKIM-signed emails",
		Long: `mailclaim checks a DKIM-signed email against a fixed policy, extracts the
claim it carries and commits the outcome to a receipt that anyone can verify.
Every evaluation is recorded in a local ledger that can be listed and searched.`,
		SilenceUsage: true,
		// If a subcommand is not provided, default to showing help.
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("config", "", "path to config file (YAML or JSON)")

	AddCommands(root)
	return root
}

// AddCommands adds all the subcommands to the root command.
func AddCommands(root *cobra.Command) {
	root.AddCommand(newServeCmd())
	root.AddCommand(newProveCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newPruneCmd())
}

// Execute runs the command tree
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the file named by --config, if any, over the defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openLedger opens the configured database and the prover built from the
// configured policy
func openLedger(cfg *config.Config) (*db.DB, *proof.LocalProver, error) {
	verifier, err := dkim.NewVerifier(cfg.Policy.Verifier())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid policy: %w", err)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return database, proof.NewLocalProver(verifier), nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
