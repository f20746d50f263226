package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwings/ausculto/internal/models"
)

func pendingJob(kind models.JobKind, scope models.Scope) *models.Job {
	return models.NewJob(kind, scope)
}

func TestRegisterPendingRejectsDuplicate(t *testing.T) {
	tracker := NewPendingTracker()
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}

	first := pendingJob(models.JobKindFoundationModelRun, scope)
	require.NoError(t, tracker.RegisterPending(first))

	second := pendingJob(models.JobKindFoundationModelRun, scope)
	assert.Error(t, tracker.RegisterPending(second))

	// A different kind on the same scope has its own slot.
	other := pendingJob(models.JobKindInferenceBatch, scope)
	assert.NoError(t, tracker.RegisterPending(other))
}

func TestReconcileSummaryClearsOnMatch(t *testing.T) {
	tracker := NewPendingTracker()
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	job := pendingJob(models.JobKindFoundationModelRun, scope)
	require.NoError(t, tracker.RegisterPending(job))

	// A summary whose latest is some older job must not clear the override.
	stale := &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    pendingJob(models.JobKindFoundationModelRun, scope),
		FetchedAt: time.Now(),
	}
	assert.False(t, tracker.ReconcileSummary(stale))
	assert.NotNil(t, tracker.Get(models.JobKindFoundationModelRun, scope))

	// Once the summary's latest id catches up, the override clears -- once.
	caught := &models.ScopeSummary{
		Scope:     scope,
		Kind:      models.JobKindFoundationModelRun,
		Latest:    job.Clone(),
		FetchedAt: time.Now(),
	}
	assert.True(t, tracker.ReconcileSummary(caught))
	assert.False(t, tracker.ReconcileSummary(caught), "second reconcile must be a no-op")
	assert.Nil(t, tracker.Get(models.JobKindFoundationModelRun, scope))
}

func TestReconcileTerminalClearsOwnJobOnly(t *testing.T) {
	tracker := NewPendingTracker()
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	job := pendingJob(models.JobKindSpeciesFilter, scope)
	require.NoError(t, tracker.RegisterPending(job))

	// Non-terminal observation never clears.
	assert.False(t, tracker.ReconcileTerminal(job))

	// A different job reaching terminal does not clear this slot.
	other := pendingJob(models.JobKindSpeciesFilter, scope)
	other.Status = models.JobStatusFailed
	assert.False(t, tracker.ReconcileTerminal(other))
	assert.NotNil(t, tracker.Get(models.JobKindSpeciesFilter, scope))

	done := job.Clone()
	done.Status = models.JobStatusCompleted
	assert.True(t, tracker.ReconcileTerminal(done))
	assert.False(t, tracker.ReconcileTerminal(done), "already cleared")
}

func TestDisplayedRule(t *testing.T) {
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	pending := pendingJob(models.JobKindFoundationModelRun, scope)
	latest := pendingJob(models.JobKindFoundationModelRun, scope)
	summary := &models.ScopeSummary{Scope: scope, Kind: models.JobKindFoundationModelRun, Latest: latest}

	// Pending override wins while set.
	assert.Equal(t, pending.ID, Displayed(pending, summary).ID)

	// Without an override the summary's latest shows.
	assert.Equal(t, latest.ID, Displayed(nil, summary).ID)

	// Nothing at all: nothing displayed.
	assert.Nil(t, Displayed(nil, nil))
	assert.Nil(t, Displayed(nil, &models.ScopeSummary{Scope: scope}))
}

func TestSnapshotReconcilesAtomically(t *testing.T) {
	tracker := NewPendingTracker()
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d1"}
	job := pendingJob(models.JobKindFoundationModelRun, scope)
	require.NoError(t, tracker.RegisterPending(job))

	// Summary not yet caught up: snapshot shows the pending job and keeps it.
	behind := &models.ScopeSummary{
		Scope:  scope,
		Kind:   models.JobKindFoundationModelRun,
		Latest: pendingJob(models.JobKindFoundationModelRun, scope),
	}
	shown := tracker.Snapshot(models.JobKindFoundationModelRun, scope, behind)
	require.NotNil(t, shown)
	assert.Equal(t, job.ID, shown.ID)
	assert.NotNil(t, tracker.Get(models.JobKindFoundationModelRun, scope))

	// Caught-up summary: one snapshot clears the override and shows the
	// summary's job; no window exists where both views disagree.
	caught := &models.ScopeSummary{
		Scope:  scope,
		Kind:   models.JobKindFoundationModelRun,
		Latest: job.Clone(),
	}
	shown = tracker.Snapshot(models.JobKindFoundationModelRun, scope, caught)
	require.NotNil(t, shown)
	assert.Equal(t, job.ID, shown.ID)
	assert.Nil(t, tracker.Get(models.JobKindFoundationModelRun, scope), "override cleared by snapshot")
}
