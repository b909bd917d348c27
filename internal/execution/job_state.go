package execution

import (
	"log"

	"redactiq/internal/models"
)

// validJobTransitions defines the allowed job state transitions.
// Any transition not listed here is invalid and will be rejected.
// Terminal runs are never mutated; a retry creates a new JobRun instead.
var validJobTransitions = map[models.JobState]map[models.JobState]bool{
	models.JobStatePending: {
		models.JobStateRunning: true,
		models.JobStateFailed:  true, // submit-time validation failure
	},
	models.JobStateRunning: {
		models.JobStateCompleted: true,
		models.JobStateFailed:    true,
	},
	models.JobStateCompleted: {},
	models.JobStateFailed:    {},
}

// TransitionJobState validates and performs a job state transition.
// Returns the new state if valid, or the current state if the transition is invalid.
func TransitionJobState(current, desired models.JobState) models.JobState {
	allowed, exists := validJobTransitions[current]
	if !exists || !allowed[desired] {
		log.Printf("⚠️ [STATE] Invalid job transition: %s → %s (rejected)", current, desired)
		return current
	}
	return desired
}
