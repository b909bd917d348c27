package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWithJobAttachesRunFields(t *testing.T) {
	buf := captureDefault(t)

	WithJob("run-1", "req-1", "wf-1").Info("starting job run")

	out := buf.String()
	for _, want := range []string{"job_id=run-1", "request_id=req-1", "workflow_id=wf-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}

func TestWithBlockExtendsJobLogger(t *testing.T) {
	buf := captureDefault(t)

	logger := WithJob("run-1", "req-1", "wf-1")
	WithBlock(logger, "b1", "Summarize").Info("block done")

	out := buf.String()
	for _, want := range []string{"job_id=run-1", "block_id=b1", "block_name=Summarize"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
