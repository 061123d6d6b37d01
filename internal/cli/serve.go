package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/felo/mailclaim/internal/events"
	"github.com/felo/mailclaim/internal/extractor"
	"github.com/felo/mailclaim/internal/handlers"
	"github.com/felo/mailclaim/internal/metrics"
	"github.com/felo/mailclaim/internal/retention"
	"github.com/felo/mailclaim/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `serve starts the HTTP API for proving emails, evaluating records, verifying
receipts and browsing the ledger. It runs until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "override server host")
	cmd.Flags().String("port", "", "override server port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
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
	log.Info("database opened", "path", cfg.Database.Path)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m, err = metrics.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	deps := handlers.Deps{
		DB:      database,
		Config:  cfg,
		Prover:  prover,
		Logger:  log,
		Metrics: m,
	}

	ext, err := extractor.New(cfg.Extractor, log, m)
	switch {
	case errors.Is(err, extractor.ErrNoCommand):
		log.Warn("no extractor configured, /prove is disabled")
	case err != nil:
		return err
	default:
		deps.Extractor = ext
	}

	publisher, err := events.New(&cfg.Events, log)
	if err != nil {
		return err
	}
	defer publisher.Close()
	deps.Publisher = publisher

	sched, err := retention.Start(&cfg.Retention, retention.NewPruner(database, cfg.Retention.MaxAge, log, m))
	if err != nil {
		return err
	}
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, handlers.New(deps), log, m)
	log.Info("listening", "url", cfg.URL())
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
