// -----------------------------------------------------------------------
// Cancellation Coordinator - Cancel requests and destructive-action guards
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

// Coordinator issues cancel requests for in-flight jobs, suppresses further
// polling for cancelled jobs, and guards deletes against active jobs. Guard
// failures are resolved locally with zero network calls.
type Coordinator struct {
	api     interfaces.PipelineAPI
	storage interfaces.JobCacheStorage
	events  interfaces.EventService
	logger  arbor.ILogger

	// stopPolling halts the poll loop for a job once its cancellation is
	// confirmed. Wired by the owning session.
	stopPolling func(jobID string)
}

// NewCoordinator creates a coordinator. stopPolling may be nil when no poll
// loops are in play (tests).
func NewCoordinator(api interfaces.PipelineAPI, storage interfaces.JobCacheStorage, events interfaces.EventService, stopPolling func(jobID string), logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		api:         api,
		storage:     storage,
		events:      events,
		stopPolling: stopPolling,
		logger:      logger,
	}
}

// Cancel requests cancellation of a job. Only jobs in a cancellable state
// are eligible; a terminal or non-cancellable job fails fast with a guard
// error and no network call. After the backend accepts the cancel, the
// coordinator re-polls once to confirm the status moved before it stops the
// job's poll loop - it never assumes the transition locally.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job not tracked: %w", err)
	}

	if !job.IsCancellable() {
		return nil, &GuardError{
			Code:   GuardActionNotAllowed,
			Reason: fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, job.Status),
		}
	}

	if _, err := c.api.CancelJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	c.logger.Info().
		Str("job_id", jobID).
		Msg("Cancel request accepted, confirming status")

	// Confirm-by-repoll: the backend moves the job to cancelled on its own
	// schedule. One direct fetch tells us whether it already has.
	confirmed, err := c.api.GetJob(ctx, jobID)
	if err != nil {
		// The poll loop is still running and will observe the terminal
		// state on its own; report the accepted cancel with local state.
		c.logger.Debug().
			Err(err).
			Str("job_id", jobID).
			Msg("Confirmation fetch failed, leaving poll loop to observe cancellation")
		return job, nil
	}

	if err := c.storage.SaveJob(ctx, confirmed); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to save confirmed job state")
	}

	if confirmed.IsTerminal() {
		if c.stopPolling != nil {
			c.stopPolling(jobID)
		}
		if c.events != nil {
			c.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventJobCancelled,
				Payload: confirmed,
			})
		}
	}

	return confirmed, nil
}

// GuardDelete rejects deletion of a job in a non-terminal state with the
// distinct "job-active" guard code, locally and without a round trip. The
// backend refuses active deletes too; this guard exists to avoid the round
// trip for the common case.
func (c *Coordinator) GuardDelete(job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if !job.IsTerminal() {
		return &GuardError{
			Code:   GuardJobActive,
			Reason: fmt.Sprintf("job %s is %s; only terminal jobs can be deleted", job.ID, job.Status),
		}
	}
	return nil
}

// Delete removes a terminal job from the backend and the local cache.
func (c *Coordinator) Delete(ctx context.Context, jobID string) error {
	job, err := c.storage.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job not tracked: %w", err)
	}

	if err := c.GuardDelete(job); err != nil {
		return err
	}

	if err := c.api.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}

	if err := c.storage.DeleteJob(ctx, jobID); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to remove job from local cache")
	}

	if c.events != nil {
		c.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobDeleted,
			Payload: job,
		})
	}

	c.logger.Info().
		Str("job_id", jobID).
		Str("kind", string(job.Kind)).
		Msg("Job deleted")

	return nil
}
