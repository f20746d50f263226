// -----------------------------------------------------------------------
// Cache Invalidator - Enumerated, idempotent invalidation of cached views
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

// KeysForJob enumerates the cached views a state change to the given job
// affects: the job's own detail, the owning scope's summary, and the owning
// scope's history listing. Every state-changing action invalidates exactly
// this set - never a blanket flush, never nothing.
func KeysForJob(job *models.Job) []string {
	return []string{
		models.DetailKey(job.ID),
		models.SummaryKey(job.Kind, job.Scope),
		models.HistoryKey(job.Kind, job.Scope),
	}
}

// Invalidator marks cached views stale after confirmed state-changing
// actions and terminal poll results. It is the only writer of staleness
// state; invalidating an already-stale key is a no-op.
type Invalidator struct {
	events interfaces.EventService
	logger arbor.ILogger

	mu    sync.Mutex
	stale map[string]bool
}

// NewInvalidator creates an invalidator with no stale keys.
func NewInvalidator(events interfaces.EventService, logger arbor.ILogger) *Invalidator {
	return &Invalidator{
		events: events,
		logger: logger,
		stale:  make(map[string]bool),
	}
}

// Invalidate marks the declared key set stale and notifies subscribers of
// the keys that actually changed freshness. Idempotent per key.
func (i *Invalidator) Invalidate(ctx context.Context, keys ...string) {
	changed := make([]string, 0, len(keys))

	i.mu.Lock()
	for _, key := range keys {
		if i.stale[key] {
			continue
		}
		i.stale[key] = true
		changed = append(changed, key)
	}
	i.mu.Unlock()

	if len(changed) == 0 {
		return
	}

	i.logger.Debug().
		Strs("keys", changed).
		Msg("Cache keys invalidated")

	if i.events != nil {
		i.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventCacheInvalidated,
			Payload: changed,
		})
	}
}

// MarkFresh records that a key's cached view has been repopulated from the
// backend.
func (i *Invalidator) MarkFresh(keys ...string) {
	i.mu.Lock()
	for _, key := range keys {
		delete(i.stale, key)
	}
	i.mu.Unlock()
}

// IsStale reports whether a key is currently marked stale.
func (i *Invalidator) IsStale(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stale[key]
}

// StaleKeys returns the currently stale keys.
func (i *Invalidator) StaleKeys() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	keys := make([]string, 0, len(i.stale))
	for key := range i.stale {
		keys = append(keys, key)
	}
	return keys
}
