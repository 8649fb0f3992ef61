package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/infrastructure/config"
)

// Runner executes a supplier-specific extractor against a local document
type Runner interface {
	Extract(ctx context.Context, supplierKey, documentPath string) (*Result, error)
}

// ExecRunner shells out to the extraction tool. The tool prints a single JSON
// envelope on stdout; stderr is captured only for error reporting.
type ExecRunner struct {
	command string
	timeout time.Duration
	workDir string
	logger  *zap.Logger
}

// NewExecRunner creates a runner from extraction configuration
func NewExecRunner(cfg *config.ExtractionConfig, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		command: cfg.Command,
		timeout: cfg.Timeout,
		workDir: cfg.WorkDir,
		logger:  logger.Named("extraction"),
	}
}

type envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Warnings []string        `json:"warnings"`
	Error    string          `json:"error"`
}

// Extract runs the extractor for the given supplier on a document path
func (r *ExecRunner) Extract(ctx context.Context, supplierKey, documentPath string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command, "--supplier", supplierKey, documentPath)
	cmd.Dir = r.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("extractor finished",
		zap.String("supplier", supplierKey),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("extractor timed out after %s", r.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("extractor failed: %w: %s", err, truncate(stderr.String(), 512))
	}

	var env envelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("extractor output is not valid JSON: %w", err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "extractor reported failure without detail"
		}
		return nil, fmt.Errorf("extractor: %s", env.Error)
	}

	var result Result
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("extractor data payload: %w", err)
	}
	result.Warnings = append(result.Warnings, env.Warnings...)
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
