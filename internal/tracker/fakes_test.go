package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
	"github.com/openwings/ausculto/internal/pipeline"
)

// fakeAPI is an in-memory PipelineAPI that counts calls and serves scripted
// responses.
type fakeAPI struct {
	mu   sync.Mutex
	jobs map[string]*models.Job

	summaries map[string]*models.ScopeSummary
	history   *interfaces.HistoryPage
	models    []*models.CustomModel

	createErr error
	cancelErr error
	deleteErr error
	getErr    error

	createCalls int
	getCalls    int
	cancelCalls int
	deleteCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		jobs:      make(map[string]*models.Job),
		summaries: make(map[string]*models.ScopeSummary),
	}
}

func (f *fakeAPI) put(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
}

func (f *fakeAPI) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	job := models.NewJob(req.Kind, req.Scope)
	f.jobs[job.ID] = job.Clone()
	return job, nil
}

func (f *fakeAPI) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return job.Clone(), nil
}

func (f *fakeAPI) GetProgress(ctx context.Context, jobID string) (*interfaces.JobStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return &interfaces.JobStatusReport{
		JobID:     job.ID,
		Status:    string(job.Status),
		Processed: job.Progress.Processed,
		Total:     job.Progress.Total,
		Fraction:  job.Progress.Fraction,
		Error:     job.Error,
	}, nil
}

func (f *fakeAPI) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	if job.IsCancellable() {
		job.Status = models.JobStatusCancelled
	}
	return job.Clone(), nil
}

func (f *fakeAPI) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.jobs[jobID]; !ok {
		return pipeline.ErrNotFound
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeAPI) ListSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary, ok := f.summaries[models.SummaryKey(kind, scope)]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return summary, nil
}

func (f *fakeAPI) ListHistory(ctx context.Context, kind models.JobKind, scope models.Scope, filter *interfaces.HistoryFilter) (*interfaces.HistoryPage, error) {
	if f.history == nil {
		return &interfaces.HistoryPage{}, nil
	}
	return f.history, nil
}

func (f *fakeAPI) ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error) {
	return f.models, nil
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls + f.getCalls + f.cancelCalls + f.deleteCalls
}

// fakeStorage is an in-memory JobCacheStorage.
type fakeStorage struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	summaries map[string]*models.ScopeSummary
	modelRecs map[string]*models.CustomModel
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		jobs:      make(map[string]*models.Job),
		summaries: make(map[string]*models.ScopeSummary),
		modelRecs: make(map[string]*models.CustomModel),
	}
}

func (s *fakeStorage) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *fakeStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job.Clone(), nil
}

func (s *fakeStorage) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *fakeStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *fakeStorage) CountJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

func (s *fakeStorage) SaveSummary(ctx context.Context, summary *models.ScopeSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[models.SummaryKey(summary.Kind, summary.Scope)] = summary
	return nil
}

func (s *fakeStorage) GetSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[models.SummaryKey(kind, scope)]
	if !ok {
		return nil, fmt.Errorf("summary not cached")
	}
	return summary, nil
}

func (s *fakeStorage) DeleteSummary(ctx context.Context, kind models.JobKind, scope models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.summaries, models.SummaryKey(kind, scope))
	return nil
}

func (s *fakeStorage) SaveModel(ctx context.Context, model *models.CustomModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelRecs[model.ID] = model
	return nil
}

func (s *fakeStorage) GetModel(ctx context.Context, modelID string) (*models.CustomModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.modelRecs[modelID]
	if !ok {
		return nil, fmt.Errorf("model %s not found", modelID)
	}
	return model, nil
}

func (s *fakeStorage) ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CustomModel, 0, len(s.modelRecs))
	for _, m := range s.modelRecs {
		if m.Project == project {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStorage) PruneTerminalJobs(ctx context.Context, olderThanDays int) (int, error) {
	return 0, nil
}

// recordingEvents captures published events synchronously for assertions.
type recordingEvents struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *recordingEvents) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	return nil
}

func (r *recordingEvents) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	return nil
}

func (r *recordingEvents) Publish(ctx context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) PublishSync(ctx context.Context, event interfaces.Event) error {
	return r.Publish(ctx, event)
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) byType(eventType interfaces.EventType) []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
