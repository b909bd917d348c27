package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithJob returns a logger with job run context fields attached.
// Use this for all logging within a job run.
func WithJob(jobID, requestID, workflowID string) *slog.Logger {
	return slog.With(
		"job_id", jobID,
		"request_id", requestID,
		"workflow_id", workflowID,
	)
}

// WithBlock returns a logger scoped to a specific block within a job run.
func WithBlock(logger *slog.Logger, blockID, blockName string) *slog.Logger {
	return logger.With(
		"block_id", blockID,
		"block_name", blockName,
	)
}
