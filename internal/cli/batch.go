package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/felo/mailclaim/internal/batch"
	"github.com/felo/mailclaim/internal/events"
	"github.com/spf13/cobra"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [--dir <records>] [--concurrency N]",
		Short: "Verify a directory of record files into the ledger",
		Long: `batch walks a directory for *.json record files, evaluates every file not yet
in the ledger and records the outcome. Files that cannot be read or are
malformed are reported as failed.`,
		RunE: runBatch,
	}
	cmd.Flags().String("dir", "", "Records directory (default from config)")
	cmd.Flags().Int("concurrency", 0, "Number of workers (default from config, then CPU count)")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Batch.Dir = dir
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Batch.Concurrency = n
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, prover, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher, err := events.New(&cfg.Events, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	runner := batch.NewRunner(database, cfg.Batch.Dir, prover, log).WithPublisher(publisher)
	if cfg.Batch.Concurrency > 0 {
		runner = runner.WithConcurrency(cfg.Batch.Concurrency)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runner.VerifyAll(ctx)
	if result != nil {
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", result.Failed, result.TotalFound)
	}
	return nil
}
