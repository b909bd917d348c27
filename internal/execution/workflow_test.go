package execution

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"redactiq/internal/models"
)

// ---- test doubles -------------------------------------------------------

// fakeInvoker routes invocations through a scripted function and records
// every request it sees.
type fakeInvoker struct {
	mu    sync.Mutex
	fn    func(req InvocationRequest) (*InvocationResult, error)
	calls []InvocationRequest
}

func (f *fakeInvoker) Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memWorkflowStore struct {
	workflows map[string]*models.WorkflowDefinition
	requests  map[string]string
}

func (s *memWorkflowStore) FetchWorkflow(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return w, nil
}

func (s *memWorkflowStore) FetchRequestText(ctx context.Context, requestID string) (string, error) {
	text, ok := s.requests[requestID]
	if !ok {
		return "", fmt.Errorf("request %s not found", requestID)
	}
	return text, nil
}

type memJobStore struct {
	mu   sync.Mutex
	runs map[string]*models.JobRun
}

func newMemJobStore() *memJobStore {
	return &memJobStore{runs: make(map[string]*models.JobRun)}
}

func (s *memJobStore) CreateJobRun(ctx context.Context, job *models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.runs[job.ID] = &copied
	return nil
}

func (s *memJobStore) UpdateJobRun(ctx context.Context, job *models.JobRun) error {
	return s.CreateJobRun(ctx, job)
}

func (s *memJobStore) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (s *memJobStore) CountRuns(ctx context.Context, requestID, workflowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.runs {
		if job.RequestID == requestID && job.WorkflowID == workflowID {
			count++
		}
	}
	return count, nil
}

type persistCall struct {
	requestID  string
	workflowID string
	version    int
	output     map[string]any
}

type memResultSink struct {
	mu       sync.Mutex
	calls    []persistCall
	failures int // fail this many calls before succeeding
}

func (s *memResultSink) PersistOutput(ctx context.Context, requestID, workflowID string, version int, finalOutput map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, persistCall{requestID, workflowID, version, finalOutput})
	if s.failures > 0 {
		s.failures--
		return errors.New("storage unavailable")
	}
	return nil
}

type memEventSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *memEventSink) Publish(ctx context.Context, event models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memEventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type captureResubmitter struct {
	mu   sync.Mutex
	jobs []*models.JobRun
}

func (r *captureResubmitter) Submit(job *models.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *captureResubmitter) wait(t *testing.T) *models.JobRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.jobs) > 0 {
			job := r.jobs[0]
			r.mu.Unlock()
			return job
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for retry resubmission")
	return nil
}

// ---- fixtures -----------------------------------------------------------

type controllerFixture struct {
	controller *JobController
	invoker    *fakeInvoker
	jobs       *memJobStore
	results    *memResultSink
	events     *memEventSink
}

func newControllerFixture(workflow *models.WorkflowDefinition, requestText string, fn func(req InvocationRequest) (*InvocationResult, error)) *controllerFixture {
	invoker := &fakeInvoker{fn: fn}
	jobs := newMemJobStore()
	results := &memResultSink{}
	events := &memEventSink{}
	workflows := &memWorkflowStore{
		workflows: map[string]*models.WorkflowDefinition{workflow.ID: workflow},
		requests:  map[string]string{"req-1": requestText},
	}

	controller := NewJobController(workflows, jobs, results, events, NewBlockExecutor(invoker), 2)
	controller.backoff = NewBackoffCalculator(1, 2, 1.0, 0)

	return &controllerFixture{
		controller: controller,
		invoker:    invoker,
		jobs:       jobs,
		results:    results,
		events:     events,
	}
}

func newJob(workflowID string) *models.JobRun {
	return &models.JobRun{
		ID:         "run-1",
		RequestID:  "req-1",
		WorkflowID: workflowID,
		State:      models.JobStatePending,
		CreatedAt:  time.Now(),
	}
}

// scriptByPrompt answers each invocation by matching a substring of the
// resolved user prompt.
func scriptByPrompt(responses map[string]string) func(req InvocationRequest) (*InvocationResult, error) {
	return func(req InvocationRequest) (*InvocationResult, error) {
		for substr, text := range responses {
			if substr == "" || strings.Contains(req.UserPrompt, substr) {
				parsed, err := CoerceJSON(text)
				if err != nil {
					return &InvocationResult{RawText: text}, &BlockError{
						Tag:     TagMalformedOutput,
						Message: "response is not valid JSON",
						Cause:   err,
					}
				}
				return &InvocationResult{Parsed: parsed, RawText: text}, nil
			}
		}
		return nil, fmt.Errorf("no scripted response for prompt %q", req.UserPrompt)
	}
}

// ---- scenarios ----------------------------------------------------------

// Two blocks: Summarize feeds Tag. Both succeed; final output holds both
// block-name keys and the job completes.
func TestJobCompletesTwoBlockWorkflow(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello world", scriptByPrompt(map[string]string{
		"Summarize:": `{"summary":"greeting"}`,
		"Tag this:":  `{"tag":"greeting"}`,
	}))

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateCompleted {
		t.Fatalf("job state = %s, want completed (error: %s)", job.State, job.Error)
	}

	wantFinal := map[string]any{
		"Summarize": map[string]any{"summary": "greeting"},
		"Tag":       map[string]any{"tag": "greeting"},
	}
	if !reflect.DeepEqual(job.FinalOutput, wantFinal) {
		t.Errorf("FinalOutput = %v, want %v", job.FinalOutput, wantFinal)
	}

	if len(job.BlockResults) != 2 {
		t.Fatalf("block results = %d, want 2", len(job.BlockResults))
	}
	for i, result := range job.BlockResults {
		if !result.Succeeded {
			t.Errorf("block %d failed: %s", i, result.Error)
		}
	}

	// The Tag block's prompt must carry block 1's output.
	second := fx.invoker.calls[1]
	if second.UserPrompt != "Tag this: greeting" {
		t.Errorf("second prompt = %q, want block 1 output wired in", second.UserPrompt)
	}

	// Result persisted once with version 1.
	if len(fx.results.calls) != 1 {
		t.Fatalf("persist calls = %d, want 1", len(fx.results.calls))
	}
	if got := fx.results.calls[0].version; got != 1 {
		t.Errorf("persisted version = %d, want 1", got)
	}

	wantEvents := []string{"job.started", "job.progress", "job.progress", "job.completed"}
	if !reflect.DeepEqual(fx.events.types(), wantEvents) {
		t.Errorf("events = %v, want %v", fx.events.types(), wantEvents)
	}
}

// Block 1 returns unparseable prose: one failed block result, job Failed,
// block 2 never invoked.
func TestJobFailsOnMalformedFirstBlock(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello world", scriptByPrompt(map[string]string{
		"Summarize:": "I cannot comply",
	}))
	fx.controller.retryLimit = 0

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateFailed {
		t.Fatalf("job state = %s, want failed", job.State)
	}
	if job.ErrorTag != string(TagMalformedOutput) {
		t.Errorf("error tag = %q, want %q", job.ErrorTag, TagMalformedOutput)
	}

	if len(job.BlockResults) != 1 {
		t.Fatalf("block results = %d, want exactly 1", len(job.BlockResults))
	}
	failed := job.BlockResults[0]
	if failed.Succeeded {
		t.Error("first block should be marked failed")
	}
	if failed.RawText != "I cannot comply" {
		t.Errorf("raw text = %q, must be preserved for diagnostics", failed.RawText)
	}

	if fx.invoker.callCount() != 1 {
		t.Errorf("model calls = %d, block 2 must not be invoked", fx.invoker.callCount())
	}
	if job.FinalOutput != nil {
		t.Errorf("failed job must not produce final output, got %v", job.FinalOutput)
	}

	last := fx.events.types()[len(fx.events.types())-1]
	if last != "job.failed" {
		t.Errorf("last event = %s, want job.failed", last)
	}
}

// Blocks declared out of slice order still execute by ascending order_index,
// and every later block can resolve outputs of every earlier one.
func TestBlocksExecuteInOrderIndexOrder(t *testing.T) {
	workflow := &models.WorkflowDefinition{
		ID: "wf-ord",
		Blocks: []models.BlockDefinition{
			{
				ID: "b3", Name: "Third", OrderIndex: 3,
				PromptTemplate: "third: {first} {second}",
				ModelName:      "m",
				Inputs: []models.BlockInput{
					{VariableName: "first", Kind: models.InputKindBlockOutput, SourceBlockID: "b1"},
					{VariableName: "second", Kind: models.InputKindBlockOutput, SourceBlockID: "b2"},
				},
			},
			{
				ID: "b1", Name: "First", OrderIndex: 1,
				PromptTemplate: "first: {text}",
				ModelName:      "m",
				Inputs: []models.BlockInput{
					{VariableName: "text", Kind: models.InputKindRequestText},
				},
			},
			{
				ID: "b2", Name: "Second", OrderIndex: 2,
				PromptTemplate: "second: {prev}",
				ModelName:      "m",
				Inputs: []models.BlockInput{
					{VariableName: "prev", Kind: models.InputKindBlockOutput, SourceBlockID: "b1"},
				},
			},
		},
	}

	fx := newControllerFixture(workflow, "input", scriptByPrompt(map[string]string{
		"first:":  `{"v":"one"}`,
		"second:": `{"v":"two"}`,
		"third:":  `{"v":"three"}`,
	}))

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateCompleted {
		t.Fatalf("job state = %s, want completed (error: %s)", job.State, job.Error)
	}

	var gotIDs []string
	for _, result := range job.BlockResults {
		gotIDs = append(gotIDs, result.BlockID)
	}
	if !reflect.DeepEqual(gotIDs, []string{"b1", "b2", "b3"}) {
		t.Errorf("execution order = %v, want [b1 b2 b3]", gotIDs)
	}

	// Block 3 resolved both upstream outputs into its prompt.
	third := fx.invoker.calls[2]
	want := `third: {"v":"one"} {"v":"two"}`
	if third.UserPrompt != want {
		t.Errorf("third prompt = %q, want %q", third.UserPrompt, want)
	}
}

// If block 2 of 3 fails, block 3 is never invoked and exactly 2 results are
// recorded.
func TestFailureShortCircuit(t *testing.T) {
	workflow := &models.WorkflowDefinition{
		ID: "wf-sc",
		Blocks: []models.BlockDefinition{
			{
				ID: "b1", Name: "First", OrderIndex: 1,
				PromptTemplate: "first: {text}", ModelName: "m",
				Inputs: []models.BlockInput{{VariableName: "text", Kind: models.InputKindRequestText}},
			},
			{
				ID: "b2", Name: "Second", OrderIndex: 2,
				PromptTemplate: "second: {prev}", ModelName: "m",
				Inputs: []models.BlockInput{{VariableName: "prev", Kind: models.InputKindBlockOutput, SourceBlockID: "b1"}},
			},
			{
				ID: "b3", Name: "Third", OrderIndex: 3,
				PromptTemplate: "third: {prev}", ModelName: "m",
				Inputs: []models.BlockInput{{VariableName: "prev", Kind: models.InputKindBlockOutput, SourceBlockID: "b2"}},
			},
		},
	}

	fx := newControllerFixture(workflow, "input", scriptByPrompt(map[string]string{
		"first:":  `{"v":"one"}`,
		"second:": "not json at all",
	}))
	fx.controller.retryLimit = 0

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateFailed {
		t.Fatalf("job state = %s, want failed", job.State)
	}
	if len(job.BlockResults) != 2 {
		t.Fatalf("block results = %d, want exactly 2", len(job.BlockResults))
	}
	if !job.BlockResults[0].Succeeded || job.BlockResults[1].Succeeded {
		t.Errorf("results = [%v, %v], want [succeeded, failed]",
			job.BlockResults[0].Succeeded, job.BlockResults[1].Succeeded)
	}
	if fx.invoker.callCount() != 2 {
		t.Errorf("model calls = %d, block 3 must not be invoked", fx.invoker.callCount())
	}
}

// ---- retry and persistence behavior -------------------------------------

func TestFailedJobSchedulesNewRun(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello", scriptByPrompt(map[string]string{
		"Summarize:": "still not json",
	}))
	resubmit := &captureResubmitter{}
	fx.controller.SetResubmitter(resubmit)

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateFailed {
		t.Fatalf("job state = %s, want failed", job.State)
	}

	retry := resubmit.wait(t)
	if retry.ID == job.ID {
		t.Error("retry must be a NEW run, not a mutation of the failed one")
	}
	if retry.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retry.RetryCount)
	}
	if retry.RetryOf != job.ID {
		t.Errorf("retry_of = %q, want %q", retry.RetryOf, job.ID)
	}
	if retry.State != models.JobStatePending {
		t.Errorf("retry state = %s, want pending", retry.State)
	}

	// The retry run was also persisted before enqueue.
	if _, err := fx.jobs.GetJobRun(context.Background(), retry.ID); err != nil {
		t.Errorf("retry run not in store: %v", err)
	}

	// The failed run itself is untouched.
	stored, _ := fx.jobs.GetJobRun(context.Background(), job.ID)
	if stored.State != models.JobStateFailed {
		t.Errorf("original run state = %s, want failed", stored.State)
	}
}

func TestRetryCeilingRespected(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello", scriptByPrompt(map[string]string{
		"Summarize:": "nope",
	}))
	fx.controller.retryLimit = 2
	resubmit := &captureResubmitter{}
	fx.controller.SetResubmitter(resubmit)

	// A run already at the ceiling fails terminally with no resubmission.
	job := newJob(workflow.ID)
	job.RetryCount = 2
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	time.Sleep(50 * time.Millisecond)
	resubmit.mu.Lock()
	defer resubmit.mu.Unlock()
	if len(resubmit.jobs) != 0 {
		t.Errorf("job at retry ceiling was resubmitted %d time(s)", len(resubmit.jobs))
	}
}

func TestPersistenceRetriesThenSucceeds(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello", scriptByPrompt(map[string]string{
		"Summarize:": `{"summary":"s"}`,
		"Tag this:":  `{"tag":"t"}`,
	}))
	fx.results.failures = 2 // first two writes fail, third succeeds

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateCompleted {
		t.Fatalf("job state = %s, want completed after persistence retry", job.State)
	}
	if len(fx.results.calls) != 3 {
		t.Errorf("persist calls = %d, want 3", len(fx.results.calls))
	}
}

func TestPersistenceFailureTagsJob(t *testing.T) {
	workflow := twoBlockWorkflow()
	fx := newControllerFixture(workflow, "Hello", scriptByPrompt(map[string]string{
		"Summarize:": `{"summary":"s"}`,
		"Tag this:":  `{"tag":"t"}`,
	}))
	fx.controller.retryLimit = 0
	fx.results.failures = 100 // never succeeds

	job := newJob(workflow.ID)
	fx.jobs.CreateJobRun(context.Background(), job)
	fx.controller.RunJob(context.Background(), job)

	if job.State != models.JobStateFailed {
		t.Fatalf("job state = %s, want failed", job.State)
	}
	if job.ErrorTag != string(TagPersistenceFailure) {
		t.Errorf("error tag = %q, want %q — operators must be able to tell storage failures from model failures",
			job.ErrorTag, TagPersistenceFailure)
	}
	// Blocks all succeeded; the failure is storage-only.
	for i, result := range job.BlockResults {
		if !result.Succeeded {
			t.Errorf("block %d should have succeeded", i)
		}
	}
}

func TestDependencyUnavailableDefensiveCheck(t *testing.T) {
	// Bypass load-time validation by running the executor directly with a
	// workflow whose input points at a block that never recorded output.
	workflow := &models.WorkflowDefinition{
		ID: "wf-dep",
		Blocks: []models.BlockDefinition{
			{
				ID: "b1", Name: "Needy", OrderIndex: 1,
				PromptTemplate: "use {missing}", ModelName: "m",
				Inputs: []models.BlockInput{
					{VariableName: "missing", Kind: models.InputKindBlockOutput, SourceBlockID: "ghost"},
				},
			},
		},
	}

	invoker := &fakeInvoker{fn: func(req InvocationRequest) (*InvocationResult, error) {
		t.Fatal("model must not be invoked when a dependency is unavailable")
		return nil, nil
	}}
	executor := NewBlockExecutor(invoker)
	ec := NewExecutionContext("req", "")

	results, err := executor.Run(context.Background(), workflow, ec, nil)

	var blockErr *BlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("want *BlockError, got %v", err)
	}
	if blockErr.Tag != TagDependencyUnavailable {
		t.Errorf("tag = %q, want %q", blockErr.Tag, TagDependencyUnavailable)
	}
	if len(results) != 1 || results[0].Succeeded {
		t.Errorf("results = %v, want one failed entry", results)
	}
}
