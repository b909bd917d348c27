package models

import "time"

// JobState represents valid job lifecycle states.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// BlockResult records the outcome of one block within a job run. RawText is
// retained even when parsing failed so operators can inspect what the model
// actually returned.
type BlockResult struct {
	BlockID      string `bson:"blockId" json:"blockId"`
	BlockName    string `bson:"blockName" json:"blockName"`
	Succeeded    bool   `bson:"succeeded" json:"succeeded"`
	ParsedOutput any    `bson:"parsedOutput,omitempty" json:"parsedOutput,omitempty"`
	RawText      string `bson:"rawText,omitempty" json:"rawText,omitempty"`
	Error        string `bson:"error,omitempty" json:"error,omitempty"`
	ErrorTag     string `bson:"errorTag,omitempty" json:"errorTag,omitempty"`
	DurationMs   int64  `bson:"durationMs" json:"durationMs"`
}

// JobRun is one concrete execution attempt of a workflow against a request.
// It is mutated only by the job controller and becomes immutable once
// terminal; a retry creates a NEW JobRun pointing back at this one.
type JobRun struct {
	ID         string   `bson:"_id" json:"id"`
	RequestID  string   `bson:"requestId" json:"requestId"`
	WorkflowID string   `bson:"workflowId" json:"workflowId"`
	State      JobState `bson:"state" json:"state"`

	BlockResults []BlockResult `bson:"blockResults,omitempty" json:"blockResults,omitempty"`

	// RetryCount is 0 for the first attempt; RetryOf points at the failed
	// run this one retries, empty otherwise.
	RetryCount int    `bson:"retryCount" json:"retryCount"`
	RetryOf    string `bson:"retryOf,omitempty" json:"retryOf,omitempty"`

	CustomInstructions string `bson:"customInstructions,omitempty" json:"customInstructions,omitempty"`

	Error    string `bson:"error,omitempty" json:"error,omitempty"`
	ErrorTag string `bson:"errorTag,omitempty" json:"errorTag,omitempty"`

	// FinalOutput is the execution context restricted to exact block-name
	// keys, produced only on terminal success.
	FinalOutput map[string]any `bson:"finalOutput,omitempty" json:"finalOutput,omitempty"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// IsTerminal returns true if the run reached a final state.
func (j *JobRun) IsTerminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

// Progress event types emitted to the real-time delivery layer.
const (
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// ProgressEvent is the envelope published on each block completion and
// state transition.
type ProgressEvent struct {
	JobID     string         `json:"jobId"`
	RequestID string         `json:"requestId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}
