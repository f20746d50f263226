// -----------------------------------------------------------------------
// Pipeline Job - Tracked server-side ML pipeline stage
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/openwings/ausculto/internal/common"
)

// JobKind identifies the pipeline stage a job belongs to.
type JobKind string

const (
	JobKindFoundationModelRun JobKind = "foundation_model_run"
	JobKindSpeciesFilter      JobKind = "species_filter_application"
	JobKindModelTraining      JobKind = "custom_model_training"
	JobKindInferenceBatch     JobKind = "inference_batch"
)

// IsValidJobKind checks if a given JobKind is one of the valid constants
func IsValidJobKind(kind JobKind) bool {
	switch kind {
	case JobKindFoundationModelRun, JobKindSpeciesFilter, JobKindModelTraining, JobKindInferenceBatch:
		return true
	default:
		return false
	}
}

// JobStatus represents the state of a pipeline job.
// Each JobKind admits only a subset of these values; use ParseStatus to
// validate a raw status string against a kind.
type JobStatus string

const (
	// Not-yet-started states. Foundation model runs report "queued" because
	// the upstream API distinguishes queue position; filter applications and
	// inference batches report "pending".
	JobStatusQueued  JobStatus = "queued"
	JobStatusPending JobStatus = "pending"

	JobStatusRunning JobStatus = "running"

	// Foundation model runs pass through a distinct post-compute phase while
	// results are materialized for querying. No other kind has an equivalent.
	JobStatusPostProcessing JobStatus = "post_processing"

	// Training jobs report "training" while the trainer is active and
	// "trained" on success.
	JobStatusTraining JobStatus = "training"
	JobStatusTrained  JobStatus = "trained"

	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// kindStatuses defines the closed status set per job kind.
var kindStatuses = map[JobKind][]JobStatus{
	JobKindFoundationModelRun: {JobStatusQueued, JobStatusRunning, JobStatusPostProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobKindSpeciesFilter:      {JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobKindModelTraining:      {JobStatusTraining, JobStatusTrained, JobStatusFailed},
	JobKindInferenceBatch:     {JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// kindTransitions defines the forward edges of each kind's state graph.
// Failed and cancelled are reachable from any non-terminal state and are not
// listed per-edge.
var kindTransitions = map[JobKind]map[JobStatus][]JobStatus{
	JobKindFoundationModelRun: {
		JobStatusQueued:         {JobStatusRunning},
		JobStatusRunning:        {JobStatusPostProcessing},
		JobStatusPostProcessing: {JobStatusCompleted},
	},
	JobKindSpeciesFilter: {
		JobStatusPending: {JobStatusRunning},
		JobStatusRunning: {JobStatusCompleted},
	},
	JobKindModelTraining: {
		JobStatusTraining: {JobStatusTrained},
	},
	JobKindInferenceBatch: {
		JobStatusPending: {JobStatusRunning},
		JobStatusRunning: {JobStatusCompleted},
	},
}

// terminalStatuses are states from which no further automatic progress occurs.
var terminalStatuses = map[JobStatus]bool{
	JobStatusCompleted: true,
	JobStatusTrained:   true,
	JobStatusFailed:    true,
	JobStatusCancelled: true,
}

// cancellableStatuses are states from which a cancel request is legal.
// Training jobs have no cancelled state in their graph and are excluded.
var cancellableStatuses = map[JobKind]map[JobStatus]bool{
	JobKindFoundationModelRun: {JobStatusQueued: true, JobStatusRunning: true, JobStatusPostProcessing: true},
	JobKindSpeciesFilter:      {JobStatusPending: true, JobStatusRunning: true},
	JobKindInferenceBatch:     {JobStatusPending: true, JobStatusRunning: true},
}

// UnknownStatusError indicates the backend reported a status string this
// build does not recognize. It is a permanent local error: the job cannot be
// tracked further, but the process must not crash.
type UnknownStatusError struct {
	Kind   JobKind
	Status string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown status %q for job kind %q", e.Status, e.Kind)
}

// ParseStatus validates a raw status string against a job kind's closed set.
func ParseStatus(kind JobKind, raw string) (JobStatus, error) {
	for _, s := range kindStatuses[kind] {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", &UnknownStatusError{Kind: kind, Status: raw}
}

// InitialStatus returns a kind's not-yet-started state.
func InitialStatus(kind JobKind) JobStatus {
	switch kind {
	case JobKindFoundationModelRun:
		return JobStatusQueued
	case JobKindModelTraining:
		return JobStatusTraining
	default:
		return JobStatusPending
	}
}

// IsTerminalStatus returns true if the status admits no further automatic progress.
func IsTerminalStatus(status JobStatus) bool {
	return terminalStatuses[status]
}

// CanTransition reports whether a job of the given kind may move from one
// status to another. Terminal failure states are reachable from any
// non-terminal state; everything else follows the kind's forward edges.
func CanTransition(kind JobKind, from, to JobStatus) bool {
	if IsTerminalStatus(from) {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	if to == JobStatusCancelled {
		return cancellableStatuses[kind][from]
	}
	for _, next := range kindTransitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress tracks fractional completion of a job.
type Progress struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
}

// Update recalculates the fraction from processed/total counts.
func (p *Progress) Update(processed, total int) {
	p.Processed = processed
	p.Total = total
	if total > 0 {
		p.Fraction = float64(processed) / float64(total)
	}
}

// Job is the tracked record of a server-executed pipeline stage.
// The backend is authoritative; this layer mirrors its reported state and
// never advances a status on its own.
type Job struct {
	ID    string  `json:"id" badgerhold:"key"`
	Kind  JobKind `json:"kind"`
	Scope Scope   `json:"scope"`

	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`
	Error    string    `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScopeKey duplicates Scope.Key() so badgerhold queries can index on it.
	ScopeKey string `json:"scope_key"`
}

// NewJob creates a local job record in its kind's initial state.
func NewJob(kind JobKind, scope Scope) *Job {
	return &Job{
		ID:        common.NewJobID(),
		Kind:      kind,
		Scope:     scope,
		ScopeKey:  scope.Key(),
		Status:    InitialStatus(kind),
		CreatedAt: time.Now(),
	}
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// IsCancellable returns true if a cancel request is legal for the job's
// current state.
func (j *Job) IsCancellable() bool {
	return cancellableStatuses[j.Kind][j.Status]
}

// Validate validates the job record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if !IsValidJobKind(j.Kind) {
		return fmt.Errorf("invalid job kind: %s", j.Kind)
	}
	if _, err := ParseStatus(j.Kind, string(j.Status)); err != nil {
		return err
	}
	if j.Scope.ID == "" {
		return fmt.Errorf("job scope is required")
	}
	return nil
}

// Clone returns a copy of the job record.
func (j *Job) Clone() *Job {
	clone := *j
	return &clone
}
