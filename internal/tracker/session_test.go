package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

func newTestSession(api *fakeAPI, storage *fakeStorage, events *recordingEvents) *Session {
	return NewSession(api, storage, events, 10*time.Millisecond, 10*time.Millisecond, common.GetLogger())
}

func TestCreateJobGuardRejectsBeforeNetwork(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}

	// A filter over a dataset whose run is still queued is illegal.
	run := models.NewJob(models.JobKindFoundationModelRun, scope)
	state := &ScopeState{Run: run}

	_, err := session.CreateJob(context.Background(), &interfaces.CreateJobRequest{
		Kind:  models.JobKindSpeciesFilter,
		Scope: scope,
	}, state)

	require.Error(t, err)
	assert.True(t, IsGuardError(err))
	assert.Equal(t, 0, api.createCalls, "guard rejection must not reach the backend")
	assert.Empty(t, session.TrackedJobs())
}

func TestCreateJobRegistersPendingAndTracks(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	job, err := session.CreateJob(ctx, &interfaces.CreateJobRequest{
		Kind:  models.JobKindFoundationModelRun,
		Scope: scope,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	cached, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, cached.Status)

	pending := session.Pending().Get(models.JobKindFoundationModelRun, scope)
	require.NotNil(t, pending)
	assert.Equal(t, job.ID, pending.ID)

	assert.Contains(t, session.TrackedJobs(), job.ID)

	invalidations := events.byType(interfaces.EventCacheInvalidated)
	require.NotEmpty(t, invalidations)
	keys, ok := invalidations[0].Payload.([]string)
	require.True(t, ok)
	assert.Contains(t, keys, models.SummaryKey(models.JobKindFoundationModelRun, scope))
}

func TestCreateJobAllowsRetryOfFailedTraining(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	project := models.Scope{Kind: models.ScopeKindMLProject, ID: "p1"}
	ctx := context.Background()

	// The resolver offers retry_training, not train_model, for a failed
	// model; the create path maps to it so a retry creates a new job.
	failed := &models.CustomModel{ID: "m1", Project: project, State: models.ModelStateFailed}
	job, err := session.CreateJob(ctx, &interfaces.CreateJobRequest{
		Kind:  models.JobKindModelTraining,
		Scope: project,
	}, &ScopeState{TargetModel: failed})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, api.createCalls)

	// A model mid-training still rejects a second training job locally.
	training := &models.CustomModel{ID: "m1", Project: project, State: models.ModelStateTraining}
	_, err = session.CreateJob(ctx, &interfaces.CreateJobRequest{
		Kind:  models.JobKindModelTraining,
		Scope: project,
	}, &ScopeState{TargetModel: training})
	require.Error(t, err)
	assert.True(t, IsGuardError(err))
	assert.Equal(t, 1, api.createCalls, "guard rejection must not reach the backend")
}

func TestTrackTerminalJobIsNoOp(t *testing.T) {
	session := newTestSession(newFakeAPI(), newFakeStorage(), &recordingEvents{})
	defer session.Close()

	job := models.NewJob(models.JobKindInferenceBatch, models.Scope{Kind: models.ScopeKindModel, ID: "m1"})
	job.Status = models.JobStatusCompleted

	session.Track(job)
	assert.Empty(t, session.TrackedJobs())
}

func TestPollLoopMergesTerminalResultOnce(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindModel, ID: "m1"}
	ctx := context.Background()

	job := models.NewJob(models.JobKindInferenceBatch, scope)
	job.Status = models.JobStatusRunning
	require.NoError(t, storage.SaveJob(ctx, job))

	// The backend already finished this job before the first tick.
	done := job.Clone()
	done.Status = models.JobStatusCompleted
	done.Progress.Update(50, 50)
	api.put(done)

	session.Track(job)

	require.Eventually(t, func() bool {
		return len(session.TrackedJobs()) == 0
	}, time.Second, 5*time.Millisecond, "poll loop should retire itself on a terminal result")

	cached, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, cached.Status)
	assert.NotNil(t, cached.CompletedAt)
	assert.Equal(t, 50, cached.Progress.Processed)

	changes := events.byType(interfaces.EventJobStatusChanged)
	require.Len(t, changes, 1, "terminal merge publishes exactly one status change")
	change, ok := changes[0].Payload.(*StatusChange)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, change.Previous)
	assert.Equal(t, models.JobStatusCompleted, change.Job.Status)

	assert.True(t, session.Invalidator().IsStale(models.SummaryKey(job.Kind, scope)))
	assert.True(t, session.Invalidator().IsStale(models.HistoryKey(job.Kind, scope)))
	assert.False(t, session.Invalidator().IsStale(models.DetailKey(job.ID)),
		"the final merge leaves the detail view fresh")
}

func TestPollLoopMarksMissingJobFailed(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	// Cached and tracked locally, but the backend has no record of it.
	job := models.NewJob(models.JobKindFoundationModelRun, scope)
	job.Status = models.JobStatusRunning
	require.NoError(t, storage.SaveJob(ctx, job))

	session.Track(job)

	require.Eventually(t, func() bool {
		return len(session.TrackedJobs()) == 0
	}, time.Second, 5*time.Millisecond)

	cached, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, cached.Status)
	assert.NotEmpty(t, cached.Error)
	assert.NotNil(t, cached.CompletedAt)
}

func TestPollUpdateSkipsTerminalCacheEntry(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	// The cache already holds the final state; a stale backend still
	// reporting "running" must not regress it.
	job := models.NewJob(models.JobKindFoundationModelRun, scope)
	job.Status = models.JobStatusCancelled
	require.NoError(t, storage.SaveJob(ctx, job))

	stale := job.Clone()
	stale.Status = models.JobStatusRunning
	api.put(stale)

	session.Track(stale)
	time.Sleep(50 * time.Millisecond)
	session.StopTracking(job.ID)

	cached, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cached.Status)
	assert.Empty(t, events.byType(interfaces.EventJobProgress))
}

func TestRefreshSummaryReconcilesPending(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	pending := models.NewJob(models.JobKindFoundationModelRun, scope)
	pending.Status = models.JobStatusRunning
	require.NoError(t, session.Pending().RegisterPending(pending))

	caughtUp := pending.Clone()
	caughtUp.Status = models.JobStatusCompleted
	api.summaries[models.SummaryKey(models.JobKindFoundationModelRun, scope)] = &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    caughtUp,
		FetchedAt: time.Now(),
	}

	summary, err := session.RefreshSummary(ctx, models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)
	require.NotNil(t, summary.Latest)

	assert.Nil(t, session.Pending().Get(models.JobKindFoundationModelRun, scope),
		"summary that includes the pending job clears the override")
	resolved := events.byType(interfaces.EventJobPendingResolved)
	require.Len(t, resolved, 1)

	cached, err := storage.GetSummary(ctx, models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)
	assert.Equal(t, caughtUp.ID, cached.Latest.ID)
	assert.False(t, session.Invalidator().IsStale(models.SummaryKey(models.JobKindFoundationModelRun, scope)))
}

func TestRefreshSummaryKeepsLocalTerminalRecord(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	// The terminal merge already settled this job locally.
	done := models.NewJob(models.JobKindFoundationModelRun, scope)
	done.Status = models.JobStatusCompleted
	require.NoError(t, storage.SaveJob(ctx, done))

	// The backend summary lags and still reports it running.
	lagging := done.Clone()
	lagging.Status = models.JobStatusRunning
	api.summaries[models.SummaryKey(models.JobKindFoundationModelRun, scope)] = &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    lagging,
		FetchedAt: time.Now(),
	}

	_, err := session.RefreshSummary(ctx, models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)

	cached, err := storage.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, cached.Status,
		"summary lag must not regress a settled job")
	assert.Empty(t, session.TrackedJobs(), "no poll loop restarts for a settled job")
}

func TestRefreshSummaryTracksExternallyStartedJob(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	session := newTestSession(api, storage, &recordingEvents{})
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindModel, ID: "m1"}
	ctx := context.Background()

	foreign := models.NewJob(models.JobKindInferenceBatch, scope)
	foreign.Status = models.JobStatusRunning
	api.put(foreign)
	api.summaries[models.SummaryKey(models.JobKindInferenceBatch, scope)] = &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindInferenceBatch,
		Latest:    foreign,
		FetchedAt: time.Now(),
	}

	_, err := session.RefreshSummary(ctx, models.JobKindInferenceBatch, scope)
	require.NoError(t, err)
	assert.Contains(t, session.TrackedJobs(), foreign.ID)
}

func TestDisplayedJobPrefersPendingOverride(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	session := newTestSession(api, storage, &recordingEvents{})
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	older := models.NewJob(models.JobKindFoundationModelRun, scope)
	older.Status = models.JobStatusCompleted
	require.NoError(t, storage.SaveSummary(ctx, &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    older,
		FetchedAt: time.Now(),
	}))

	pending := models.NewJob(models.JobKindFoundationModelRun, scope)
	require.NoError(t, session.Pending().RegisterPending(pending))

	shown, err := session.DisplayedJob(ctx, models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)
	require.NotNil(t, shown)
	assert.Equal(t, pending.ID, shown.ID, "pending override wins over a stale summary")
}

func TestSessionCancelInvalidatesDeclaredKeys(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindModel, ID: "m1"}
	ctx := context.Background()

	job := models.NewJob(models.JobKindInferenceBatch, scope)
	job.Status = models.JobStatusRunning
	require.NoError(t, storage.SaveJob(ctx, job))
	api.put(job)

	cancelled, err := session.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	invalidations := events.byType(interfaces.EventCacheInvalidated)
	require.NotEmpty(t, invalidations)
	keys, ok := invalidations[0].Payload.([]string)
	require.True(t, ok)
	assert.Contains(t, keys, models.DetailKey(job.ID))
	assert.Contains(t, keys, models.SummaryKey(job.Kind, scope))
	assert.Contains(t, keys, models.HistoryKey(job.Kind, scope))
}

func TestDeleteClearsDetailStaleness(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	events := &recordingEvents{}
	session := newTestSession(api, storage, events)
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	job := models.NewJob(models.JobKindFoundationModelRun, scope)
	job.Status = models.JobStatusCompleted
	require.NoError(t, storage.SaveJob(ctx, job))
	api.put(job)

	require.NoError(t, session.Delete(ctx, job.ID))

	assert.True(t, session.Invalidator().IsStale(models.SummaryKey(job.Kind, scope)))
	assert.False(t, session.Invalidator().IsStale(models.DetailKey(job.ID)),
		"a deleted job leaves no detail view to refresh")
}

func TestRefreshRegisteredScopes(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	session := newTestSession(api, storage, &recordingEvents{})
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	latest := models.NewJob(models.JobKindFoundationModelRun, scope)
	latest.Status = models.JobStatusCompleted
	api.summaries[models.SummaryKey(models.JobKindFoundationModelRun, scope)] = &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    latest,
		FetchedAt: time.Now(),
	}

	session.RegisterScope(models.JobKindFoundationModelRun, scope)
	session.RefreshRegisteredScopes(ctx)

	cached, err := storage.GetSummary(ctx, models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, cached.Latest.ID)

	// After unregistering, the scope is no longer refreshed.
	session.UnregisterScope(models.JobKindFoundationModelRun, scope)
	require.NoError(t, storage.DeleteSummary(ctx, models.JobKindFoundationModelRun, scope))
	session.RefreshRegisteredScopes(ctx)
	_, err = storage.GetSummary(ctx, models.JobKindFoundationModelRun, scope)
	assert.Error(t, err)
}

func TestRefreshModelsCachesForActionResolution(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	session := newTestSession(api, storage, &recordingEvents{})
	defer session.Close()

	project := models.Scope{Kind: models.ScopeKindMLProject, ID: "p1"}
	ctx := context.Background()

	api.models = []*models.CustomModel{
		{ID: "m1", Name: "dawn-chorus", Project: project, State: models.ModelStateTrained},
	}

	list, err := session.RefreshModels(ctx, project)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// The cache feeds BuildScopeState, so a servable model unlocks batches.
	state, err := session.BuildScopeState(ctx, project, "m1", 0)
	require.NoError(t, err)
	require.Len(t, state.Models, 1)
	require.NotNil(t, state.TargetModel)
	assert.Equal(t, models.ModelStateTrained, state.TargetModel.State)
}

func TestBuildScopeStateUsesPendingOverrides(t *testing.T) {
	api := newFakeAPI()
	storage := newFakeStorage()
	session := newTestSession(api, storage, &recordingEvents{})
	defer session.Close()

	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	ctx := context.Background()

	run := models.NewJob(models.JobKindFoundationModelRun, scope)
	require.NoError(t, session.Pending().RegisterPending(run))

	state, err := session.BuildScopeState(ctx, scope, "", 0)
	require.NoError(t, err)
	require.NotNil(t, state.Run)
	assert.Equal(t, run.ID, state.Run.ID)

	// The queued run blocks everything but a re-run guard at the resolver.
	actions := session.Resolver().LegalActions(state)
	assert.False(t, actions.Contains(models.ActionApplyFilter))
}
