// -----------------------------------------------------------------------
// Tracking Session - Owns the poll loops and reconciliation for tracked jobs
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

// StatusChange is the payload of a job status transition event.
type StatusChange struct {
	Job      *models.Job      `json:"job"`
	Previous models.JobStatus `json:"previous"`
}

// ProgressUpdate is the payload of a job progress event.
type ProgressUpdate struct {
	JobID  string                      `json:"job_id"`
	Kind   models.JobKind              `json:"kind"`
	Report *interfaces.JobStatusReport `json:"report"`
}

// scopeRegistration marks a (kind, scope) pair for background summary
// refresh while a view of it is active.
type scopeRegistration struct {
	Kind  models.JobKind
	Scope models.Scope
}

// Session owns the poll loops for a set of tracked jobs and wires the
// tracker parts together: each poll tick merges backend state into the
// local cache, reconciles the pending overrides, informs the invalidator on
// terminal transitions, and publishes events for live views. Poll loops for
// different jobs are independent timers; nothing orders them against each
// other.
type Session struct {
	id          string
	api         interfaces.PipelineAPI
	storage     interfaces.JobCacheStorage
	events      interfaces.EventService
	pending     *PendingTracker
	resolver    *DependencyResolver
	invalidator *Invalidator
	coordinator *Coordinator
	logger      arbor.ILogger

	pollInterval      time.Duration
	batchPollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
	scopes  map[string]scopeRegistration
}

// NewSession creates a tracking session. pollInterval drives run, filter and
// training polls; batchPollInterval drives the coarser inference batch
// polls.
func NewSession(api interfaces.PipelineAPI, storage interfaces.JobCacheStorage, events interfaces.EventService, pollInterval, batchPollInterval time.Duration, logger arbor.ILogger) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:                common.NewSessionID(),
		api:               api,
		storage:           storage,
		events:            events,
		pending:           NewPendingTracker(),
		resolver:          NewDependencyResolver(),
		invalidator:       NewInvalidator(events, logger),
		logger:            logger,
		pollInterval:      pollInterval,
		batchPollInterval: batchPollInterval,
		ctx:               ctx,
		cancel:            cancel,
		pollers:           make(map[string]*Poller),
		scopes:            make(map[string]scopeRegistration),
	}
	s.coordinator = NewCoordinator(api, storage, events, s.StopTracking, logger)

	logger.Debug().Str("session_id", s.id).Msg("Tracking session created")
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Pending exposes the pending tracker for display reads.
func (s *Session) Pending() *PendingTracker {
	return s.pending
}

// Resolver exposes the dependency resolver.
func (s *Session) Resolver() *DependencyResolver {
	return s.resolver
}

// Invalidator exposes the cache invalidator.
func (s *Session) Invalidator() *Invalidator {
	return s.invalidator
}

// intervalFor picks the poll interval for a job kind. Inference batches are
// coarse queue summaries and poll slower than fine-grained progress views.
func (s *Session) intervalFor(kind models.JobKind) time.Duration {
	if kind == models.JobKindInferenceBatch {
		return s.batchPollInterval
	}
	return s.pollInterval
}

// CreateJob runs the full creation path: local dependency guard, backend
// create, pending registration, poll loop start, and the declared cache
// invalidation. The guard rejects illegal actions before any network call.
func (s *Session) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest, state *ScopeState) (*models.Job, error) {
	action := models.ActionForKind(req.Kind)
	if state != nil {
		// Training a failed model is a retry, which creates a new job; the
		// resolver offers retry_training, not train_model, from that state.
		if req.Kind == models.JobKindModelTraining && state.TargetModel != nil && state.TargetModel.State == models.ModelStateFailed {
			action = models.ActionRetryTraining
		}
		if err := s.resolver.Guard(state, action); err != nil {
			return nil, err
		}
	}

	job, err := s.api.CreateJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job failed: %w", err)
	}

	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to cache created job")
	}

	// The pending override makes the new job visible before the backend's
	// summary reflects it.
	if err := s.pending.RegisterPending(job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Pending registration refused")
	}

	s.Track(job)
	s.invalidator.Invalidate(ctx, KeysForJob(job)...)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("scope", job.Scope.Key()).
		Msg("Job created and tracked")

	return job, nil
}

// Track starts a poll loop for a job. Tracking an already-tracked job or a
// terminal job is a no-op.
func (s *Session) Track(job *models.Job) {
	if job.IsTerminal() {
		return
	}

	s.mu.Lock()
	if _, ok := s.pollers[job.ID]; ok {
		s.mu.Unlock()
		return
	}

	jobID := job.ID
	poller := NewPoller(
		jobID,
		job.Kind,
		s.intervalFor(job.Kind),
		func(ctx context.Context) (*interfaces.JobStatusReport, error) {
			return s.api.GetProgress(ctx, jobID)
		},
		PollObserver{
			OnUpdate:    func(report *interfaces.JobStatusReport) { s.onUpdate(jobID, job.Kind, report) },
			OnTerminal:  func(report *interfaces.JobStatusReport, err error) { s.onTerminal(jobID, report, err) },
			OnTransient: func(err error) { s.onTransient(jobID, err) },
		},
		s.logger,
	)
	s.pollers[job.ID] = poller
	s.mu.Unlock()

	poller.Start(s.ctx)
}

// StopTracking cancels the poll loop for a job, if one is running.
func (s *Session) StopTracking(jobID string) {
	s.mu.Lock()
	poller, ok := s.pollers[jobID]
	if ok {
		delete(s.pollers, jobID)
	}
	s.mu.Unlock()

	if ok {
		poller.Cancel()
	}
}

// TrackedJobs returns the ids of jobs with an active poll loop.
func (s *Session) TrackedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	return ids
}

// onUpdate merges a non-terminal poll result into the local cache. The
// stored record is never advanced past a terminal state, and a transition
// the kind's graph does not admit is logged rather than applied blindly.
func (s *Session) onUpdate(jobID string, kind models.JobKind, report *interfaces.JobStatusReport) {
	ctx := s.ctx

	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Poll update for job missing from cache")
		return
	}
	if job.IsTerminal() {
		// Final counts are authoritative once terminal; late updates are
		// dropped.
		return
	}

	status, err := models.ParseStatus(kind, report.Status)
	if err != nil {
		return
	}

	previous := job.Status
	if status != previous && !models.CanTransition(kind, previous, status) {
		s.logger.Warn().
			Str("job_id", jobID).
			Str("from", string(previous)).
			Str("to", string(status)).
			Msg("Backend reported a transition outside the state graph")
	}

	job.Status = status
	job.Progress.Update(report.Processed, report.Total)
	if report.Fraction > 0 {
		job.Progress.Fraction = report.Fraction
	}
	if status == models.JobStatusRunning && job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}

	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to save polled job state")
		return
	}
	// The merge just repopulated the detail view from the backend.
	s.invalidator.MarkFresh(models.DetailKey(jobID))

	if status != previous {
		s.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobStatusChanged,
			Payload: &StatusChange{Job: job, Previous: previous},
		})
	}
	s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobProgress,
		Payload: &ProgressUpdate{JobID: jobID, Kind: kind, Report: report},
	})
}

// onTerminal performs the single final merge for a finished job, clears the
// pending override if it still points at the job, invalidates the declared
// cache keys, and retires the poll loop.
func (s *Session) onTerminal(jobID string, report *interfaces.JobStatusReport, fetchErr error) {
	ctx := s.ctx

	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminal poll for job missing from cache")
		s.removePoller(jobID)
		return
	}

	previous := job.Status

	if report != nil {
		if status, perr := models.ParseStatus(job.Kind, report.Status); perr == nil {
			job.Status = status
		}
		job.Progress.Update(report.Processed, report.Total)
		if report.Fraction > 0 {
			job.Progress.Fraction = report.Fraction
		}
		job.Error = report.Error
	} else {
		// Not-found or a permanent fetch error: terminal-with-error.
		job.Status = models.JobStatusFailed
		if fetchErr != nil {
			job.Error = fetchErr.Error()
		}
	}
	if job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}

	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to save terminal job state")
	}

	// Terminal result takes priority over summary catch-up so the display
	// never hangs on "pending".
	if s.pending.ReconcileTerminal(job) {
		s.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobPendingResolved,
			Payload: job,
		})
	}

	s.invalidator.Invalidate(ctx, KeysForJob(job)...)
	// The final merge just wrote the authoritative detail record; only the
	// summary and history views still need a backend round trip.
	s.invalidator.MarkFresh(models.DetailKey(jobID))

	s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: &StatusChange{Job: job, Previous: previous},
	})

	s.logger.Info().
		Str("job_id", jobID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Msg("Job reached terminal state, polling stopped")

	s.removePoller(jobID)
}

// onTransient surfaces a recoverable fetch failure without touching job
// state; the next tick retries on schedule.
func (s *Session) onTransient(jobID string, err error) {
	s.logger.Debug().
		Err(err).
		Str("job_id", jobID).
		Msg("Transient poll failure, retrying on schedule")
}

// removePoller drops the poller entry without cancelling; the loop has
// already stopped itself.
func (s *Session) removePoller(jobID string) {
	s.mu.Lock()
	delete(s.pollers, jobID)
	s.mu.Unlock()
}

// RefreshSummary fetches the authoritative summary for a (kind, scope),
// caches it, and reconciles the pending override in the same tick.
func (s *Session) RefreshSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error) {
	summary, err := s.api.ListSummary(ctx, kind, scope)
	if err != nil {
		return nil, err
	}

	if err := s.storage.SaveSummary(ctx, summary); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("Failed to cache scope summary")
	}
	if latest := summary.Latest; latest != nil {
		// A lagging summary must not overwrite a job the terminal merge has
		// already settled, nor restart its poll loop.
		cached, cerr := s.storage.GetJob(ctx, latest.ID)
		if cerr != nil || !cached.IsTerminal() {
			if err := s.storage.SaveJob(ctx, latest); err == nil && !latest.IsTerminal() {
				// A job started outside this session still gets a poll loop.
				s.Track(latest)
			}
		}
	}

	s.invalidator.MarkFresh(models.SummaryKey(kind, scope))

	if s.pending.ReconcileSummary(summary) {
		s.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobPendingResolved,
			Payload: summary.Latest,
		})
	}

	return summary, nil
}

// DisplayedJob resolves the display rule for a scope as one deterministic
// read: pending override while active, otherwise the cached summary's
// latest job.
func (s *Session) DisplayedJob(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.Job, error) {
	summary, err := s.storage.GetSummary(ctx, kind, scope)
	if err != nil {
		summary = nil
	}
	return s.pending.Snapshot(kind, scope, summary), nil
}

// Cancel delegates to the coordinator and applies the declared invalidation
// set on success.
func (s *Session) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.coordinator.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.invalidator.Invalidate(ctx, KeysForJob(job)...)
	if job.IsTerminal() {
		// The confirming fetch already stored the final detail record.
		s.invalidator.MarkFresh(models.DetailKey(job.ID))
	}
	return job, nil
}

// Delete delegates to the coordinator and applies the declared invalidation
// set on success.
func (s *Session) Delete(ctx context.Context, jobID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job not tracked: %w", err)
	}
	if err := s.coordinator.Delete(ctx, jobID); err != nil {
		return err
	}
	s.invalidator.Invalidate(ctx, KeysForJob(job)...)
	// A deleted job has no detail view left to repopulate.
	s.invalidator.MarkFresh(models.DetailKey(job.ID))
	return nil
}

// GuardDelete exposes the delete guard for callers that only need the check.
func (s *Session) GuardDelete(job *models.Job) error {
	return s.coordinator.GuardDelete(job)
}

// RegisterScope marks a (kind, scope) for background summary refresh while
// a view of it is active.
func (s *Session) RegisterScope(kind models.JobKind, scope models.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[models.SummaryKey(kind, scope)] = scopeRegistration{Kind: kind, Scope: scope}
}

// UnregisterScope removes a (kind, scope) from background refresh.
func (s *Session) UnregisterScope(kind models.JobKind, scope models.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, models.SummaryKey(kind, scope))
}

// RefreshRegisteredScopes refreshes the summary of every registered scope.
// Called by the background scheduler.
func (s *Session) RefreshRegisteredScopes(ctx context.Context) {
	s.mu.Lock()
	regs := make([]scopeRegistration, 0, len(s.scopes))
	for _, reg := range s.scopes {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		if _, err := s.RefreshSummary(ctx, reg.Kind, reg.Scope); err != nil {
			s.logger.Debug().
				Err(err).
				Str("scope", reg.Scope.Key()).
				Str("kind", string(reg.Kind)).
				Msg("Background summary refresh failed")
		}
	}
}

// RefreshModels fetches a project's custom models from the backend and
// caches them so action resolution sees the current lifecycle states.
func (s *Session) RefreshModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error) {
	list, err := s.api.ListModels(ctx, project)
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		if err := s.storage.SaveModel(ctx, m); err != nil {
			s.logger.Warn().Err(err).Str("model_id", m.ID).Msg("Failed to cache model")
		}
	}
	return list, nil
}

// BuildScopeState assembles the resolver's view of a scope from cached
// summaries and models. labeledClips and targetModelID refine the model
// lifecycle decisions when the caller knows them.
func (s *Session) BuildScopeState(ctx context.Context, scope models.Scope, targetModelID string, labeledClips int) (*ScopeState, error) {
	state := &ScopeState{LabeledClips: labeledClips}

	if summary, err := s.storage.GetSummary(ctx, models.JobKindFoundationModelRun, scope); err == nil {
		state.Run = s.pending.Snapshot(models.JobKindFoundationModelRun, scope, summary)
	} else {
		state.Run = s.pending.Snapshot(models.JobKindFoundationModelRun, scope, nil)
	}
	if summary, err := s.storage.GetSummary(ctx, models.JobKindSpeciesFilter, scope); err == nil {
		state.Filter = s.pending.Snapshot(models.JobKindSpeciesFilter, scope, summary)
	} else {
		state.Filter = s.pending.Snapshot(models.JobKindSpeciesFilter, scope, nil)
	}
	if summary, err := s.storage.GetSummary(ctx, models.JobKindInferenceBatch, scope); err == nil {
		state.Batch = s.pending.Snapshot(models.JobKindInferenceBatch, scope, summary)
	} else {
		state.Batch = s.pending.Snapshot(models.JobKindInferenceBatch, scope, nil)
	}

	if scope.Kind == models.ScopeKindMLProject {
		modelsList, err := s.storage.ListModels(ctx, scope)
		if err == nil {
			state.Models = modelsList
			if targetModelID != "" {
				for _, m := range modelsList {
					if m.ID == targetModelID {
						state.TargetModel = m
						break
					}
				}
			}
		}
	}

	return state, nil
}

// LegalActions computes the currently legal actions for a scope.
func (s *Session) LegalActions(ctx context.Context, scope models.Scope, targetModelID string, labeledClips int) (models.ActionSet, error) {
	state, err := s.BuildScopeState(ctx, scope, targetModelID, labeledClips)
	if err != nil {
		return nil, err
	}
	return s.resolver.LegalActions(state), nil
}

// Close cancels every poll loop and waits for none of them; loops observe
// the shared context and stop before their next scheduled fetch.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.pollers = make(map[string]*Poller)
	s.mu.Unlock()

	for _, p := range pollers {
		p.Cancel()
	}
}
