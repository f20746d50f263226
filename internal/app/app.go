// -----------------------------------------------------------------------
// Application - Component wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/handlers"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/pipeline"
	"github.com/openwings/ausculto/internal/services/events"
	"github.com/openwings/ausculto/internal/services/scheduler"
	"github.com/openwings/ausculto/internal/storage"
	"github.com/openwings/ausculto/internal/tracker"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService *scheduler.Service

	// Pipeline backend client
	PipelineClient interfaces.PipelineAPI

	// Job tracking
	Session *tracker.Session

	// Log streaming to connected clients
	LogStream *handlers.WebSocketLogStream

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	JobHandler    *handlers.JobHandler
	ScopeHandler  *handlers.ScopeHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler

	shutdownChan chan struct{}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		Config:       cfg,
		Logger:       logger,
		ctx:          ctx,
		cancelCtx:    cancel,
		shutdownChan: make(chan struct{}),
	}

	// Storage first: everything downstream reads and writes the job cache.
	storageManager, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.EventService = events.NewService(logger)

	app.PipelineClient = pipeline.NewClient(
		cfg.Pipeline.BaseURL,
		pipeline.WithAPIKey(cfg.Pipeline.APIKey),
		pipeline.WithRateLimit(cfg.Pipeline.RateLimit),
		pipeline.WithHTTPClient(&http.Client{Timeout: cfg.Pipeline.Timeout()}),
		pipeline.WithLogger(logger),
	)

	app.Session = tracker.NewSession(
		app.PipelineClient,
		storageManager.JobCacheStorage(),
		app.EventService,
		cfg.Tracker.Poll(),
		cfg.Tracker.BatchPoll(),
		logger,
	)

	app.SchedulerService = scheduler.NewService(
		&cfg.Scheduler,
		app.Session,
		storageManager.JobCacheStorage(),
		logger,
	)

	app.initHandlers()

	// Route arbor's context channel into the live log panel.
	app.LogStream = handlers.NewWebSocketLogStream(app.WSHandler, &cfg.WebSocket)
	app.LogStream.Start()
	logger.SetChannel("context", app.LogStream.Channel())

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	logger.Info().
		Str("pipeline", cfg.Pipeline.BaseURL).
		Dur("poll_interval", cfg.Tracker.Poll()).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
	a.APIHandler = handlers.NewAPIHandler()
	a.JobHandler = handlers.NewJobHandler(a.Session, a.StorageManager.JobCacheStorage(), a.Logger)
	a.ScopeHandler = handlers.NewScopeHandler(a.Session, a.PipelineClient, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Session, a.StorageManager.JobCacheStorage(), a.WSHandler, a.Logger)
}

// ShutdownChan returns a channel closed when a shutdown is requested via
// the API.
func (a *App) ShutdownChan() <-chan struct{} {
	return a.shutdownChan
}

// RequestShutdown signals the main loop to begin graceful shutdown.
func (a *App) RequestShutdown() {
	select {
	case <-a.shutdownChan:
		// already closed
	default:
		close(a.shutdownChan)
	}
}

// Close shuts down all application components in reverse dependency order
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application components")

	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.Session != nil {
		a.Session.Close()
	}

	if a.LogStream != nil {
		a.LogStream.Stop()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.cancelCtx()

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
