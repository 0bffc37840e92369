package state

import "time"

// Phase represents the current phase of a job
type Phase string

const (
	// PhaseRunning means a cycle is in progress
	PhaseRunning Phase = "Running"

	// PhaseComplete means the last cycle completed
	PhaseComplete Phase = "Complete"

	// PhaseFailed means the last cycle ended with an error
	PhaseFailed Phase = "Failed"

	// PhaseStopped means the job stopped and will not run again without an
	// operator
	PhaseStopped Phase = "Stopped"
)

// JobStatus is the persisted state of one job
type JobStatus struct {
	// Job is the job name
	Job string `json:"job"`

	// Phase represents the current job phase
	Phase Phase `json:"phase"`

	// Message provides additional information about the status
	Message string `json:"message,omitempty"`

	// Reason is the failure reason of the last cycle, if any
	Reason string `json:"reason,omitempty"`

	// LastRun is the start time of the last cycle
	LastRun *time.Time `json:"lastRun,omitempty"`

	// LastSuccess is the end time of the last successful cycle
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`

	// AttemptCount is the number of cycles since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// Processed, Changed and Errored count the items of the last cycle
	Processed int `json:"processed"`
	Changed   int `json:"changed"`
	Errored   int `json:"errored"`
}
