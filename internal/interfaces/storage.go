package interfaces

import (
	"context"

	"github.com/openwings/ausculto/internal/models"
)

// JobListOptions narrows a cached job listing.
type JobListOptions struct {
	Kind     string
	Status   string
	ScopeKey string
	Limit    int
	Offset   int
	OrderBy  string
	OrderDir string
}

// JobCacheStorage is the local read-mostly mirror of backend job state.
// Only the cache invalidator and poll loops write to it, and only in
// response to confirmed backend state.
type JobCacheStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context) (int, error)

	SaveSummary(ctx context.Context, summary *models.ScopeSummary) error
	GetSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error)
	DeleteSummary(ctx context.Context, kind models.JobKind, scope models.Scope) error

	SaveModel(ctx context.Context, model *models.CustomModel) error
	GetModel(ctx context.Context, modelID string) (*models.CustomModel, error)
	ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error)

	// PruneTerminalJobs removes terminal jobs older than the retention
	// window and returns the number removed.
	PruneTerminalJobs(ctx context.Context, olderThanDays int) (int, error)
}

// StorageManager provides access to all storage backends
type StorageManager interface {
	JobCacheStorage() JobCacheStorage
	Close() error
}
