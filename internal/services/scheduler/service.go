// -----------------------------------------------------------------------
// Scheduler - Cron-driven summary refresh and retention sweep
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/tracker"
)

// Service runs the background maintenance schedules: refreshing registered
// scope summaries so displays converge without a mounted poll loop, and
// pruning terminal jobs past the retention window from the local cache.
type Service struct {
	config  *common.SchedulerConfig
	session *tracker.Session
	storage interfaces.JobCacheStorage
	logger  arbor.ILogger
	cron    *cron.Cron
}

// NewService creates the scheduler. Call Start to begin schedules.
func NewService(config *common.SchedulerConfig, session *tracker.Session, storage interfaces.JobCacheStorage, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		session: session,
		storage: storage,
		logger:  logger,
		cron:    cron.New(),
	}
}

// ValidateSchedule checks a cron expression with the standard 5-field parser.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", schedule, err)
	}
	return nil
}

// Start registers and starts the configured schedules.
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Scheduler disabled by configuration")
		return nil
	}

	if s.config.RefreshSchedule != "" {
		if err := ValidateSchedule(s.config.RefreshSchedule); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc(s.config.RefreshSchedule, func() {
			s.session.RefreshRegisteredScopes(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule summary refresh: %w", err)
		}
	}

	if s.config.SweepSchedule != "" {
		if err := ValidateSchedule(s.config.SweepSchedule); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
			if _, err := s.storage.PruneTerminalJobs(ctx, s.config.RetentionDays); err != nil {
				s.logger.Warn().Err(err).Msg("Retention sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule retention sweep: %w", err)
		}
	}

	s.cron.Start()

	s.logger.Info().
		Str("refresh", s.config.RefreshSchedule).
		Str("sweep", s.config.SweepSchedule).
		Msg("Scheduler started")

	return nil
}

// Stop halts the schedules and waits for running entries to finish.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}
