package interfaces

import (
	"context"

	"github.com/openwings/ausculto/internal/models"
)

// JobStatusReport is the backend's answer to a progress poll.
type JobStatusReport struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
	Error     string  `json:"error,omitempty"`
}

// CreateJobRequest carries the parameters of a job creation call.
type CreateJobRequest struct {
	Kind   models.JobKind         `json:"kind" validate:"required"`
	Scope  models.Scope           `json:"scope" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// HistoryFilter narrows a history listing.
type HistoryFilter struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// HistoryPage is one page of a scope's job history.
type HistoryPage struct {
	Jobs       []*models.Job `json:"jobs"`
	TotalCount int           `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}

// PipelineAPI is the out-of-scope backend that executes pipeline stages.
// This layer only consumes it; it never assumes a call's effect has landed
// until a subsequent poll or summary confirms it.
type PipelineAPI interface {
	CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetProgress(ctx context.Context, jobID string) (*JobStatusReport, error)
	CancelJob(ctx context.Context, jobID string) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error)
	ListHistory(ctx context.Context, kind models.JobKind, scope models.Scope, filter *HistoryFilter) (*HistoryPage, error)
	ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error)
}
