// Package batch verifies a directory of record files into the ledger.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/events"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/metrics"
	"github.com/felo/mailclaim/internal/proof"
	"github.com/felo/mailclaim/internal/scanner"
)

// Runner handles batch verification of record files
type Runner struct {
	db          *db.DB
	scanner     *scanner.Scanner
	prover      proof.Prover
	publisher   events.Publisher
	logger      *logger.Logger
	metrics     *metrics.Metrics
	concurrency int // Number of concurrent workers
}

// NewRunner creates a runner over the record files under recordsPath
func NewRunner(database *db.DB, recordsPath string, prover proof.Prover, log *logger.Logger) *Runner {
	return &Runner{
		db:          database,
		scanner:     scanner.NewScanner(recordsPath),
		prover:      prover,
		publisher:   events.NopPublisher{},
		logger:      log,
		concurrency: runtime.NumCPU(),
	}
}

// WithConcurrency sets the number of concurrent workers
func (r *Runner) WithConcurrency(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	r.concurrency = workers
	return r
}

// WithPublisher sets where ledger events are sent
func (r *Runner) WithPublisher(p events.Publisher) *Runner {
	if p != nil {
		r.publisher = p
	}
	return r
}

// WithMetrics sets the metrics sink
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// Result contains statistics about a batch run
type Result struct {
	TotalFound  int      `json:"totalFound"`
	Proven      int      `json:"proven"`
	NotProven   int      `json:"notProven"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	FailedFiles []string `json:"failedFiles"`
}

// VerifyAll scans and verifies all record files using concurrent workers
func (r *Runner) VerifyAll(ctx context.Context) (*Result, error) {
	return r.VerifyWithProgress(ctx, nil)
}

// VerifyWithProgress verifies all files and reports progress via a
// callback. Files already in the ledger are skipped. When ctx is cancelled
// the partial result is returned with ctx's error.
func (r *Runner) VerifyWithProgress(ctx context.Context, progress func(current, total int, filePath string)) (*Result, error) {
	files, err := r.scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan for files: %w", err)
	}

	result := &Result{
		TotalFound:  len(files),
		FailedFiles: make([]string, 0),
	}

	r.logger.Info("batch verification started",
		"dir", r.scanner.GetRootPath(), "files", result.TotalFound, "workers", r.concurrency)

	// Create channels for work distribution
	fileChan := make(chan string, len(files))
	resultChan := make(chan fileResult, len(files))

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg, fileChan, resultChan)
	}

	for _, file := range files {
		fileChan <- file
	}
	close(fileChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	processed := 0
	for res := range resultChan {
		processed++
		if progress != nil {
			progress(processed, result.TotalFound, res.filePath)
		}

		switch res.status {
		case statusProven:
			result.Proven++
		case statusNotProven:
			result.NotProven++
		case statusSkipped:
			result.Skipped++
		case statusFailed:
			result.Failed++
			result.FailedFiles = append(result.FailedFiles, res.filePath)
		}
		r.metrics.IncBatchFiles(res.status.String())
	}

	r.logger.Info("batch verification complete",
		"proven", result.Proven, "notProven", result.NotProven,
		"skipped", result.Skipped, "failed", result.Failed)
	r.recordRun()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// recordRun stores when and where the last run happened
func (r *Runner) recordRun() {
	settings := [][2]string{
		{db.SettingLastBatchAt, time.Now().UTC().Format(time.RFC3339)},
		{db.SettingLastBatchDir, r.scanner.GetRootPath()},
	}
	for _, kv := range settings {
		if err := r.db.SetSetting(kv[0], kv[1]); err != nil {
			r.logger.Warn("failed to record batch run", "key", kv[0], "error", err)
		}
	}
}

type fileStatus int

const (
	statusProven fileStatus = iota
	statusNotProven
	statusSkipped
	statusFailed
)

func (s fileStatus) String() string {
	switch s {
	case statusProven:
		return metrics.ResultProven
	case statusNotProven:
		return metrics.ResultNotProven
	case statusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

type fileResult struct {
	filePath string
	status   fileStatus
}

// worker processes files from the file channel
func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup, fileChan <-chan string, resultChan chan<- fileResult) {
	defer wg.Done()

	for filePath := range fileChan {
		status := statusFailed
		if ctx.Err() == nil {
			status = r.processFile(ctx, filePath)
		}
		resultChan <- fileResult{filePath: filePath, status: status}
	}
}

// processFile verifies a single file and returns its status
func (r *Runner) processFile(ctx context.Context, relPath string) fileStatus {
	log := r.logger.With("file", relPath)

	exists, err := r.db.VerificationExistsBySource(relPath)
	if err != nil {
		log.Error("failed to check ledger", "error", err)
		return statusFailed
	}
	if exists {
		return statusSkipped
	}

	path, err := r.scanner.ResolvePath(relPath)
	if err != nil {
		log.Error("refusing record path", "error", err)
		return statusFailed
	}

	f, err := os.Open(path)
	if err != nil {
		log.Error("failed to open record", "error", err)
		return statusFailed
	}
	req, err := proof.ReadRequest(f)
	f.Close()
	if err != nil {
		log.Warn("failed to read record", "error", err)
		return statusFailed
	}

	start := time.Now()
	receipt, out, err := r.prover.Prove(ctx, req.DKIM, req.EthAddress)
	if err != nil {
		var malformed *dkim.MalformedInputError
		if errors.As(err, &malformed) {
			r.metrics.ObserveEvaluation(metrics.ResultMalformed, nil, time.Since(start).Seconds())
			log.Warn("malformed record", "field", malformed.Field, "error", malformed.Err)
		} else {
			log.Error("failed to prove record", "error", err)
		}
		return statusFailed
	}
	r.metrics.ObserveEvaluation(metrics.EvaluationResult(out.ClaimProven), out.FailedChecks(), time.Since(start).Seconds())

	v := db.NewVerification(receipt.ID, relPath, req.DKIM, out, req.EthAddress, receipt.Commitment)
	if err := r.db.InsertVerification(v); err != nil {
		log.Error("failed to record verification", "error", err)
		return statusFailed
	}

	if err := r.publisher.Publish(ctx, events.FromVerification(v)); err != nil {
		log.Warn("failed to publish event", "error", err)
	}

	if out.ClaimProven {
		return statusProven
	}
	log.Debug("claim not proven", "failed", out.FailedChecks())
	return statusNotProven
}
