package cli

import (
	"fmt"

	"github.com/felo/mailclaim/internal/retention"
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune [--older-than 720h]",
		Short: "Delete ledger rows older than a maximum age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			maxAge := cfg.Retention.MaxAge
			if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
				maxAge = d
			}
			if maxAge <= 0 {
				return fmt.Errorf("invalid maximum age %s", maxAge)
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			database, _, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			n, err := retention.NewPruner(database, maxAge, log, nil).Prune()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d verifications\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "Maximum age to keep (default from config)")
	return cmd
}
