// -----------------------------------------------------------------------
// Status Poller - Timer-driven poll loop for one tracked job
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
	"github.com/openwings/ausculto/internal/pipeline"
)

// PollState is the lifecycle of one poll loop.
type PollState string

const (
	PollStateIdle    PollState = "idle"
	PollStatePolling PollState = "polling"
	PollStateStopped PollState = "stopped"
)

// FetchFunc is a side-effect-free status fetch for one job.
type FetchFunc func(ctx context.Context) (*interfaces.JobStatusReport, error)

// PollObserver receives the outcomes of a poll loop. Callbacks run on the
// loop goroutine, strictly sequentially; a slow callback delays the next
// tick of this job only.
type PollObserver struct {
	// OnUpdate is called after each successful non-terminal fetch.
	OnUpdate func(report *interfaces.JobStatusReport)

	// OnTerminal is called exactly once, with the final report when the job
	// reached a terminal status, or with a nil report and an error when the
	// fetch hit a permanent failure (job deleted server-side, unrecognized
	// status). The loop stops afterwards.
	OnTerminal func(report *interfaces.JobStatusReport, err error)

	// OnTransient is called for recoverable fetch failures. The schedule
	// continues unchanged.
	OnTransient func(err error)
}

// Poller drives the poll cycle for a single job: one immediate fetch, then a
// fixed-interval schedule until a terminal status, a permanent error, or
// cancellation. Fetches never overlap; a result that lands after Cancel is
// discarded.
type Poller struct {
	jobID    string
	kind     models.JobKind
	interval time.Duration
	fetch    FetchFunc
	observer PollObserver
	logger   arbor.ILogger

	mu     sync.Mutex
	state  PollState
	cancel context.CancelFunc
	done   chan struct{}

	pollCount int64
}

// NewPoller creates a poller in the idle state.
func NewPoller(jobID string, kind models.JobKind, interval time.Duration, fetch FetchFunc, observer PollObserver, logger arbor.ILogger) *Poller {
	return &Poller{
		jobID:    jobID,
		kind:     kind,
		interval: interval,
		fetch:    fetch,
		observer: observer,
		logger:   logger,
		state:    PollStateIdle,
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop. Starting a poller that is not idle is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state != PollStateIdle {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = PollStatePolling
	p.mu.Unlock()

	go p.loop(loopCtx)
}

// Cancel halts scheduling immediately. An in-flight fetch whose result
// arrives after cancellation is discarded. Safe to call more than once.
func (p *Poller) Cancel() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

// Done is closed when the loop has fully stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current loop state.
func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PollCount returns the number of fetches performed so far.
func (p *Poller) PollCount() int64 {
	return atomic.LoadInt64(&p.pollCount)
}

// loop runs the fetch schedule. The first fetch fires immediately so a newly
// created job shows progress without waiting out one interval.
func (p *Poller) loop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.state = PollStateStopped
		p.mu.Unlock()
		close(p.done)
	}()

	if stop := p.tick(ctx); stop {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().
				Str("job_id", p.jobID).
				Msg("Poll loop cancelled")
			return

		case <-ticker.C:
			if stop := p.tick(ctx); stop {
				return
			}
		}
	}
}

// tick performs one fetch and classifies the outcome. Returns true when the
// loop must stop.
func (p *Poller) tick(ctx context.Context) bool {
	atomic.AddInt64(&p.pollCount, 1)

	report, err := p.fetch(ctx)

	// A result that lands after cancellation must not reach the observer.
	if ctx.Err() != nil {
		return true
	}

	if err != nil {
		return p.handleFetchError(err)
	}

	status, perr := models.ParseStatus(p.kind, report.Status)
	if perr != nil {
		// Unrecognized status strings are a permanent local error, not a
		// crash and not something the next tick can fix.
		p.logger.Warn().
			Str("job_id", p.jobID).
			Str("status", report.Status).
			Msg("Backend reported unrecognized job status, stopping poll loop")
		if p.observer.OnTerminal != nil {
			p.observer.OnTerminal(nil, perr)
		}
		return true
	}

	if models.IsTerminalStatus(status) {
		// One final merge, then stop scheduling.
		if p.observer.OnTerminal != nil {
			p.observer.OnTerminal(report, nil)
		}
		return true
	}

	if p.observer.OnUpdate != nil {
		p.observer.OnUpdate(report)
	}
	return false
}

// handleFetchError classifies a fetch failure. Transient errors keep the
// schedule; not-found and other permanent API errors end the loop.
func (p *Poller) handleFetchError(err error) bool {
	switch {
	case pipeline.IsTransient(err):
		p.logger.Debug().
			Err(err).
			Str("job_id", p.jobID).
			Msg("Transient fetch error, poll schedule continues")
		if p.observer.OnTransient != nil {
			p.observer.OnTransient(err)
		}
		return false

	case errors.Is(err, pipeline.ErrNotFound):
		// Job deleted server-side while polling: terminal-with-error, no
		// indefinite retry.
		p.logger.Warn().
			Str("job_id", p.jobID).
			Msg("Job disappeared server-side, stopping poll loop")
		if p.observer.OnTerminal != nil {
			p.observer.OnTerminal(nil, err)
		}
		return true

	default:
		p.logger.Warn().
			Err(err).
			Str("job_id", p.jobID).
			Msg("Permanent fetch error, stopping poll loop")
		if p.observer.OnTerminal != nil {
			p.observer.OnTerminal(nil, err)
		}
		return true
	}
}
