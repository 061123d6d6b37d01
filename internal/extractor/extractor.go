// Package extractor turns a raw email into a dkim.Record by running an
// external program, such as the zk-email node helper.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/metrics"
	json "github.com/goccy/go-json"
)

// ErrNoCommand is returned when no extractor command is configured
var ErrNoCommand = errors.New("no extractor command configured")

// maxStderr bounds how much of the program's stderr ends up in an error
const maxStderr = 4096

// Extractor produces a DKIM record from a raw email
type Extractor interface {
	Extract(ctx context.Context, email []byte) (*dkim.Record, error)
}

// Command runs the configured program once per email
type Command struct {
	cfg     config.ExtractorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	// File mode shares fixed file names inside Dir
	fileMu sync.Mutex
}

// New creates a Command extractor. log and m may be nil.
func New(cfg config.ExtractorConfig, log *logger.Logger, m *metrics.Metrics) (*Command, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.Command = append([]string(nil), cfg.Command...)
	return &Command{cfg: cfg, logger: log, metrics: m}, nil
}

// Extract runs the program with email as input and decodes the record it
// produces. The run is bounded by the configured timeout and by ctx.
func (c *Command) Extract(ctx context.Context, email []byte) (*dkim.Record, error) {
	start := time.Now()
	rec, err := c.extract(ctx, email)

	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	c.metrics.ObserveExtractor(status, time.Since(start).Seconds())

	if err != nil {
		c.logger.Warn("extractor failed", "command", c.cfg.Command[0], "status", status, "error", err)
		return nil, err
	}
	c.logger.Debug("extractor finished", "duration", time.Since(start), "domain", rec.SigningDomain)
	return rec, nil
}

func (c *Command) extract(ctx context.Context, email []byte) (*dkim.Record, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	if c.cfg.InputFile != "" {
		return c.extractFiles(ctx, email)
	}

	stdout, err := c.run(ctx, bytes.NewReader(email))
	if err != nil {
		return nil, err
	}
	return decodeRecord(stdout)
}

// extractFiles writes the email to InputFile, runs the program and reads
// OutputFile, all inside Dir. Runs are serialized.
func (c *Command) extractFiles(ctx context.Context, email []byte) (*dkim.Record, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	in := filepath.Join(c.cfg.Dir, c.cfg.InputFile)
	out := filepath.Join(c.cfg.Dir, c.cfg.OutputFile)

	// A stale output from an earlier run must never be read back
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale output: %w", err)
	}
	if err := os.WriteFile(in, email, 0600); err != nil {
		return nil, fmt.Errorf("failed to write email: %w", err)
	}
	defer os.Remove(in)
	defer os.Remove(out)

	if _, err := c.run(ctx, nil); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("extractor produced no output: %w", err)
	}
	return decodeRecord(data)
}

func (c *Command) run(ctx context.Context, stdin *bytes.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.Dir
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("extractor did not finish: %w", ctxErr)
		}
		return nil, fmt.Errorf("extractor failed: %w: %s", err, truncate(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func decodeRecord(data []byte) (*dkim.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("extractor produced empty output")
	}
	var rec dkim.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode extractor output: %w", err)
	}
	return &rec, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[:maxStderr] + "..."
	}
	return s
}
