package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"redactiq/internal/execution"
	"redactiq/internal/models"

	"github.com/google/uuid"
)

// JobService is the operational surface around the engine: submit a
// workflow job, inspect runs, retry failures, recover the queue after a
// restart.
type JobService struct {
	workflows *WorkflowService
	jobs      *JobRunService
	scheduler *execution.Scheduler
	metrics   *Metrics
}

// NewJobService creates the job submission service.
func NewJobService(workflows *WorkflowService, jobs *JobRunService, scheduler *execution.Scheduler, metrics *Metrics) *JobService {
	return &JobService{
		workflows: workflows,
		jobs:      jobs,
		scheduler: scheduler,
		metrics:   metrics,
	}
}

// SubmitWorkflowJob validates the workflow, creates a Pending run, and
// enqueues it. Malformed workflows (forward references, unknown source
// blocks) are rejected here, before any model call.
func (s *JobService) SubmitWorkflowJob(ctx context.Context, requestID, workflowID, customInstructions string) (string, error) {
	workflow, err := s.workflows.FetchWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := execution.ValidateWorkflow(workflow); err != nil {
		return "", fmt.Errorf("invalid workflow: %w", err)
	}
	if _, err := s.workflows.FetchRequestText(ctx, requestID); err != nil {
		return "", err
	}

	job := &models.JobRun{
		ID:                 uuid.NewString(),
		RequestID:          requestID,
		WorkflowID:         workflowID,
		State:              models.JobStatePending,
		CustomInstructions: customInstructions,
		CreatedAt:          time.Now(),
	}

	if err := s.jobs.CreateJobRun(ctx, job); err != nil {
		return "", err
	}
	if err := s.scheduler.Submit(job); err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted()
	}
	log.Printf("📨 [SUBMIT] Job %s queued (request=%s, workflow=%s)", job.ID, requestID, workflowID)
	return job.ID, nil
}

// GetJob returns a run by ID.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.JobRun, error) {
	return s.jobs.GetJobRun(ctx, jobID)
}

// QueuePosition returns the run's 0-based queue position, or -1 if running
// or unknown.
func (s *JobService) QueuePosition(jobID string) int {
	return s.scheduler.QueuePosition(jobID)
}

// RetryJob creates and enqueues a new run for a failed one. This is the
// operator-triggered path and is not subject to the automatic retry
// ceiling.
func (s *JobService) RetryJob(ctx context.Context, jobID string) (string, error) {
	failed, err := s.jobs.GetJobRun(ctx, jobID)
	if err != nil {
		return "", err
	}
	if failed.State != models.JobStateFailed {
		return "", fmt.Errorf("job %s is %s, only failed jobs can be retried", jobID, failed.State)
	}

	retry := execution.NewRetryRun(failed)
	if err := s.jobs.CreateJobRun(ctx, retry); err != nil {
		return "", err
	}
	if err := s.scheduler.Submit(retry); err != nil {
		return "", err
	}

	log.Printf("🔄 [SUBMIT] Manual retry of job %s queued as %s", jobID, retry.ID)
	return retry.ID, nil
}

// RecoverPending re-enqueues Pending runs in creation order after a
// restart, so queue semantics survive process loss.
func (s *JobService) RecoverPending(ctx context.Context) error {
	pending, err := s.jobs.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := s.scheduler.Submit(job); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		log.Printf("♻️ [SUBMIT] Recovered %d pending job(s) into the queue", len(pending))
	}
	return nil
}

// InstrumentedRunner wraps the job controller as the scheduler's runner,
// recording outcome metrics after each run.
type InstrumentedRunner struct {
	Controller *execution.JobController
	Metrics    *Metrics
}

// RunJob executes the run and records its outcome.
func (r *InstrumentedRunner) RunJob(ctx context.Context, job *models.JobRun) {
	r.Controller.RunJob(ctx, job)

	if r.Metrics == nil {
		return
	}

	seconds := 0.0
	if job.StartedAt != nil && job.CompletedAt != nil {
		seconds = job.CompletedAt.Sub(*job.StartedAt).Seconds()
	}
	switch job.State {
	case models.JobStateCompleted:
		r.Metrics.RecordJobFinished("completed", seconds)
	case models.JobStateFailed:
		r.Metrics.RecordJobFinished("failed", seconds)
		for _, result := range job.BlockResults {
			if !result.Succeeded {
				r.Metrics.RecordBlockFailure(result.ErrorTag)
			}
		}
	}
}
