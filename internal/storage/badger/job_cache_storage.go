package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

// JobCacheStorage implements the JobCacheStorage interface for Badger
type JobCacheStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// summaryRecord wraps a scope summary with its cache key for storage.
type summaryRecord struct {
	Key     string `badgerhold:"key"`
	Summary *models.ScopeSummary
}

// NewJobCacheStorage creates a new JobCacheStorage instance
func NewJobCacheStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobCacheStorage {
	return &JobCacheStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobCacheStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.ScopeKey = job.Scope.Key()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobCacheStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobCacheStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobCacheStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Kind != "" {
			query = query.And("Kind").Eq(models.JobKind(opts.Kind))
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.ScopeKey != "" {
			query = query.And("ScopeKey").Eq(opts.ScopeKey)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.OrderBy != "" {
			if opts.OrderDir == "DESC" {
				query = query.SortBy(opts.OrderBy).Reverse()
			} else {
				query = query.SortBy(opts.OrderBy)
			}
		} else {
			query = query.SortBy("CreatedAt").Reverse()
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobCacheStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobCacheStorage) SaveSummary(ctx context.Context, summary *models.ScopeSummary) error {
	if summary == nil {
		return fmt.Errorf("summary is required")
	}
	key := models.SummaryKey(summary.Kind, summary.Scope)
	record := &summaryRecord{Key: key, Summary: summary}

	if err := s.db.Store().Upsert(key, record); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

func (s *JobCacheStorage) GetSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error) {
	var record summaryRecord
	key := models.SummaryKey(kind, scope)
	if err := s.db.Store().Get(key, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("summary not found: %s", key)
		}
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return record.Summary, nil
}

func (s *JobCacheStorage) DeleteSummary(ctx context.Context, kind models.JobKind, scope models.Scope) error {
	key := models.SummaryKey(kind, scope)
	if err := s.db.Store().Delete(key, &summaryRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete summary: %w", err)
	}
	return nil
}

func (s *JobCacheStorage) SaveModel(ctx context.Context, model *models.CustomModel) error {
	if model.ID == "" {
		return fmt.Errorf("model ID is required")
	}
	if err := s.db.Store().Upsert(model.ID, model); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func (s *JobCacheStorage) GetModel(ctx context.Context, modelID string) (*models.CustomModel, error) {
	var model models.CustomModel
	if err := s.db.Store().Get(modelID, &model); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("model not found: %s", modelID)
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return &model, nil
}

func (s *JobCacheStorage) ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error) {
	var list []models.CustomModel
	if err := s.db.Store().Find(&list, badgerhold.Where("Project").Eq(project)); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	result := make([]*models.CustomModel, len(list))
	for i := range list {
		result[i] = &list[i]
	}
	return result, nil
}

// PruneTerminalJobs removes terminal jobs whose completion is older than the
// retention window. Active jobs are never touched.
func (s *JobCacheStorage) PruneTerminalJobs(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return 0, fmt.Errorf("failed to scan jobs for pruning: %w", err)
	}

	pruned := 0
	for i := range jobs {
		job := &jobs[i]
		if !job.IsTerminal() {
			continue
		}
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(job.ID, &models.Job{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to prune terminal job")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("Pruned terminal jobs past retention window")
		s.db.RunValueLogGC()
	}
	return pruned, nil
}
