// -----------------------------------------------------------------------
// Pending Tracker - Optimistic local reference for just-created jobs
// -----------------------------------------------------------------------

package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/openwings/ausculto/internal/models"
)

// pendingKey identifies the single pending slot per (kind, scope) pair.
type pendingKey struct {
	kind     models.JobKind
	scopeKey string
}

// pendingRef is the locally held job reference used before the backend's
// summary view reflects a newly created job.
type pendingRef struct {
	job          *models.Job
	registeredAt time.Time
}

// PendingTracker closes the gap between "backend accepted the create
// request" and "backend's summary reflects it". At most one pending
// reference exists per (kind, scope) at a time; it is cleared exactly once,
// either when the summary's latest id catches up or when the job's own
// terminal status is observed directly, whichever comes first.
type PendingTracker struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingRef
}

// NewPendingTracker creates an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{
		pending: make(map[pendingKey]*pendingRef),
	}
}

// RegisterPending records a just-created job as the pending reference for
// its (kind, scope). A second registration while one is outstanding is a
// caller bug: concurrent create requests for one scope are arbitrated by the
// backend, not by this layer.
func (t *PendingTracker) RegisterPending(job *models.Job) error {
	key := pendingKey{kind: job.Kind, scopeKey: job.Scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[key]; ok {
		return fmt.Errorf("pending job already registered for %s/%s (job %s)",
			job.Kind, job.Scope.Key(), existing.job.ID)
	}

	t.pending[key] = &pendingRef{job: job.Clone(), registeredAt: time.Now()}
	return nil
}

// Resolve clears the pending reference for a (kind, scope) and reports
// whether one was cleared. Resolving an empty slot is a no-op.
func (t *PendingTracker) Resolve(kind models.JobKind, scope models.Scope) bool {
	key := pendingKey{kind: kind, scopeKey: scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[key]; !ok {
		return false
	}
	delete(t.pending, key)
	return true
}

// Get returns a copy of the pending job for a (kind, scope), or nil.
func (t *PendingTracker) Get(kind models.JobKind, scope models.Scope) *models.Job {
	key := pendingKey{kind: kind, scopeKey: scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := t.pending[key]
	if !ok {
		return nil
	}
	return ref.job.Clone()
}

// ReconcileSummary compares an authoritative summary against the pending
// reference and clears the override once the summary's latest job matches
// it. Returns true when the override was cleared by this call. The compare
// and clear happen in one critical section so a reader can never observe a
// caught-up summary alongside a still-set pending flag.
func (t *PendingTracker) ReconcileSummary(summary *models.ScopeSummary) bool {
	if summary == nil || summary.Latest == nil {
		return false
	}
	key := pendingKey{kind: summary.Kind, scopeKey: summary.Scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := t.pending[key]
	if !ok || ref.job.ID != summary.Latest.ID {
		return false
	}
	delete(t.pending, key)
	return true
}

// ReconcileTerminal clears the pending reference when the job's own status,
// fetched directly rather than via summary, has reached a terminal state.
// The terminal result takes priority so the display never hangs on
// "pending". Returns true when the override was cleared by this call.
func (t *PendingTracker) ReconcileTerminal(job *models.Job) bool {
	if job == nil || !job.IsTerminal() {
		return false
	}
	key := pendingKey{kind: job.Kind, scopeKey: job.Scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := t.pending[key]
	if !ok || ref.job.ID != job.ID {
		return false
	}
	delete(t.pending, key)
	return true
}

// Displayed is the single merge rule for "what job does this scope show":
// the pending override while it is active, otherwise the summary's latest
// job. Pure given its inputs; callers must pass the pending job and summary
// read within the same tick.
func Displayed(pending *models.Job, summary *models.ScopeSummary) *models.Job {
	if pending != nil {
		return pending
	}
	if summary == nil {
		return nil
	}
	return summary.Latest
}

// Snapshot resolves the display rule against the current pending state and
// the given summary as one atomic read: it first reconciles the summary
// against the pending slot, then returns the displayed job. A render that
// uses the result can never mix a cleared override with a stale summary or
// vice versa.
func (t *PendingTracker) Snapshot(kind models.JobKind, scope models.Scope, summary *models.ScopeSummary) *models.Job {
	key := pendingKey{kind: kind, scopeKey: scope.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := t.pending[key]
	if ok && summary != nil && summary.Latest != nil && summary.Latest.ID == ref.job.ID {
		delete(t.pending, key)
		ok = false
	}

	if ok {
		return ref.job.Clone()
	}
	if summary == nil {
		return nil
	}
	return summary.Latest
}
