package execution

import (
	"context"
	"fmt"
	"time"

	"redactiq/internal/logging"
	"redactiq/internal/models"

	"github.com/google/uuid"
)

// WorkflowStore is the read-only store the engine fetches definitions and
// request text from.
type WorkflowStore interface {
	FetchWorkflow(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error)
	FetchRequestText(ctx context.Context, requestID string) (string, error)
}

// JobStore persists job runs. Injected rather than a process-wide map of
// in-flight jobs, so tests use doubles and multiple instances can share a
// backing store.
type JobStore interface {
	CreateJobRun(ctx context.Context, job *models.JobRun) error
	UpdateJobRun(ctx context.Context, job *models.JobRun) error
	GetJobRun(ctx context.Context, id string) (*models.JobRun, error)
	CountRuns(ctx context.Context, requestID, workflowID string) (int, error)
}

// ResultSink receives the final output of a completed run. version
// increments per prior run count for the request+workflow pair.
type ResultSink interface {
	PersistOutput(ctx context.Context, requestID, workflowID string, version int, finalOutput map[string]any) error
}

// EventSink receives progress events for the external real-time delivery
// layer. Delivery is best effort; a failed publish never fails the job.
type EventSink interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// Resubmitter re-enqueues a retry run. Wired to the scheduler after
// construction to avoid a circular dependency.
type Resubmitter interface {
	Submit(job *models.JobRun) error
}

const (
	persistAttempts = 3
	persistDelay    = 250 * time.Millisecond
)

// JobController drives one JobRun through Pending → Running →
// {Completed | Failed}, emitting progress events and persisting the final
// output. On failure it schedules a NEW JobRun, up to the retry ceiling,
// with exponential backoff between attempts.
type JobController struct {
	workflows  WorkflowStore
	jobs       JobStore
	results    ResultSink
	events     EventSink
	executor   *BlockExecutor
	retryLimit int
	backoff    *BackoffCalculator

	resubmit Resubmitter
}

// NewJobController wires the controller's collaborators. retryLimit is the
// job-level retry ceiling (retries, not total attempts).
func NewJobController(workflows WorkflowStore, jobs JobStore, results ResultSink, events EventSink, executor *BlockExecutor, retryLimit int) *JobController {
	if retryLimit < 0 {
		retryLimit = 0
	}
	return &JobController{
		workflows:  workflows,
		jobs:       jobs,
		results:    results,
		events:     events,
		executor:   executor,
		retryLimit: retryLimit,
		backoff:    NewBackoffCalculator(1000, 30000, 2.0, 20),
	}
}

// SetResubmitter attaches the scheduler used for retry re-enqueue. Without
// one, failed jobs simply stay failed.
func (c *JobController) SetResubmitter(r Resubmitter) {
	c.resubmit = r
}

// RunJob executes one job run to a terminal state. It never returns a
// partial state: every exit path leaves the run Completed or Failed in the
// store with structured error detail.
func (c *JobController) RunJob(ctx context.Context, job *models.JobRun) {
	jobLog := logging.WithJob(job.ID, job.RequestID, job.WorkflowID)
	jobLog.Info("starting job run", "retry_count", job.RetryCount)

	now := time.Now()
	job.State = TransitionJobState(job.State, models.JobStateRunning)
	job.StartedAt = &now
	c.updateJob(ctx, job)
	c.emit(ctx, job, models.EventJobStarted, map[string]any{
		"retry_count": job.RetryCount,
	})

	workflow, err := c.workflows.FetchWorkflow(ctx, job.WorkflowID)
	if err != nil {
		c.fail(ctx, job, "", fmt.Sprintf("failed to fetch workflow: %v", err))
		return
	}
	requestText, err := c.workflows.FetchRequestText(ctx, job.RequestID)
	if err != nil {
		c.fail(ctx, job, "", fmt.Sprintf("failed to fetch request text: %v", err))
		return
	}

	ec := NewExecutionContext(requestText, job.CustomInstructions)

	results, runErr := c.executor.Run(ctx, workflow, ec, func(completed, total int, result models.BlockResult) {
		c.emit(ctx, job, models.EventJobProgress, map[string]any{
			"completed_blocks": completed,
			"total_blocks":     total,
			"fraction":         float64(completed) / float64(total),
			"block_id":         result.BlockID,
			"block_name":       result.BlockName,
			"succeeded":        result.Succeeded,
		})
	})
	job.BlockResults = results

	if runErr != nil {
		blockErr := ClassifyInvocationError(runErr)
		c.fail(ctx, job, string(blockErr.Tag), blockErr.Message)
		return
	}

	finalOutput := ec.FinalOutput()
	if err := c.persistWithRetry(ctx, job, finalOutput); err != nil {
		c.fail(ctx, job, string(TagPersistenceFailure), fmt.Sprintf("failed to persist output: %v", err))
		return
	}

	completedAt := time.Now()
	job.State = TransitionJobState(job.State, models.JobStateCompleted)
	job.FinalOutput = finalOutput
	job.CompletedAt = &completedAt
	c.updateJob(ctx, job)
	c.emit(ctx, job, models.EventJobCompleted, map[string]any{
		"block_count": len(results),
		"duration_ms": completedAt.Sub(*job.StartedAt).Milliseconds(),
	})

	jobLog.Info("job run completed",
		"block_count", len(results),
		"duration_ms", completedAt.Sub(*job.StartedAt).Milliseconds())
}

// persistWithRetry writes the final output with a narrow, fast retry loop —
// separate from block retries, so storage blips do not re-run the model.
func (c *JobController) persistWithRetry(ctx context.Context, job *models.JobRun, finalOutput map[string]any) error {
	version, err := c.jobs.CountRuns(ctx, job.RequestID, job.WorkflowID)
	if err != nil || version < 1 {
		version = job.RetryCount + 1
	}

	jobLog := logging.WithJob(job.ID, job.RequestID, job.WorkflowID)

	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = c.results.PersistOutput(ctx, job.RequestID, job.WorkflowID, version, finalOutput)
		if lastErr == nil {
			return nil
		}
		jobLog.Warn("persist attempt failed",
			"attempt", attempt, "max_attempts", persistAttempts, "error", lastErr)
		if attempt < persistAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(persistDelay):
			}
		}
	}
	return lastErr
}

// fail marks the run Failed with structured error detail and, within the
// retry ceiling, schedules a new run.
func (c *JobController) fail(ctx context.Context, job *models.JobRun, tag, message string) {
	completedAt := time.Now()
	job.State = TransitionJobState(job.State, models.JobStateFailed)
	job.Error = message
	job.ErrorTag = tag
	job.CompletedAt = &completedAt
	c.updateJob(ctx, job)
	c.emit(ctx, job, models.EventJobFailed, map[string]any{
		"error":       message,
		"error_tag":   tag,
		"retry_count": job.RetryCount,
	})

	logging.WithJob(job.ID, job.RequestID, job.WorkflowID).Error("job run failed",
		"error_tag", tag, "error", message)

	c.scheduleRetry(ctx, job)
}

// scheduleRetry creates the next JobRun after a backoff delay. All failures
// are treated uniformly up to the ceiling; operators inspect per-block error
// detail to decide whether to edit the workflow instead.
func (c *JobController) scheduleRetry(ctx context.Context, failed *models.JobRun) {
	if c.resubmit == nil || failed.RetryCount >= c.retryLimit {
		return
	}

	jobLog := logging.WithJob(failed.ID, failed.RequestID, failed.WorkflowID)

	retry := NewRetryRun(failed)
	if err := c.jobs.CreateJobRun(ctx, retry); err != nil {
		jobLog.Error("failed to create retry run", "error", err)
		return
	}

	delay := c.backoff.NextDelay(failed.RetryCount)
	jobLog.Info("scheduled retry run",
		"retry_count", retry.RetryCount, "retry_limit", c.retryLimit,
		"retry_run_id", retry.ID, "delay", delay)

	time.AfterFunc(delay, func() {
		if err := c.resubmit.Submit(retry); err != nil {
			jobLog.Error("failed to resubmit retry run", "retry_run_id", retry.ID, "error", err)
		}
	})
}

// NewRetryRun builds the successor run for a failed one. The failed run is
// left untouched: history stays intact, versioning stays monotonic.
func NewRetryRun(failed *models.JobRun) *models.JobRun {
	return &models.JobRun{
		ID:                 uuid.NewString(),
		RequestID:          failed.RequestID,
		WorkflowID:         failed.WorkflowID,
		State:              models.JobStatePending,
		RetryCount:         failed.RetryCount + 1,
		RetryOf:            failed.ID,
		CustomInstructions: failed.CustomInstructions,
		CreatedAt:          time.Now(),
	}
}

func (c *JobController) updateJob(ctx context.Context, job *models.JobRun) {
	if err := c.jobs.UpdateJobRun(ctx, job); err != nil {
		logging.WithJob(job.ID, job.RequestID, job.WorkflowID).Warn(
			"failed to update job run in store", "error", err)
	}
}

func (c *JobController) emit(ctx context.Context, job *models.JobRun, eventType string, payload map[string]any) {
	if c.events == nil {
		return
	}
	event := models.ProgressEvent{
		JobID:     job.ID,
		RequestID: job.RequestID,
		Type:      eventType,
		Payload:   payload,
	}
	if err := c.events.Publish(ctx, event); err != nil {
		logging.WithJob(job.ID, job.RequestID, job.WorkflowID).Warn(
			"failed to publish progress event", "event_type", eventType, "error", err)
	}
}
