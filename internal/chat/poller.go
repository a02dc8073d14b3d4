package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPollInterval = 2500 * time.Millisecond

// PollerOptions configures a Poller.
type PollerOptions struct {
	Backend PollBackend
	Logger  *slog.Logger
	// Interval between status queries. When zero, it defaults to 2.5s.
	Interval time.Duration
}

// Poller is the fallback delivery path for backends that expose only
// request/response run status. It queries a run's status at a fixed
// interval until a terminal state is reached, then signals the caller
// exactly once.
//
// There is deliberately no overall timeout: polling continues until a
// terminal run state or Stop. Callers own the teardown.
type Poller struct {
	backend  PollBackend
	log      *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	gen    int
	cancel context.CancelFunc
}

func NewPoller(opts PollerOptions) *Poller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{backend: opts.Backend, log: log, interval: interval}
}

// Start clears any existing polling loop and begins a new one for
// (threadID, runID). onSuccess fires once when the run completes;
// onFailure fires once with a human-readable reason when the run reaches a
// terminal-but-unsuccessful state or a poll request fails. Neither fires
// after Stop.
func (p *Poller) Start(ctx context.Context, threadID string, runID string, onSuccess func(), onFailure func(reason string)) {
	if p == nil || p.backend == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(pollCtx, gen, threadID, runID, onSuccess, onFailure)
}

func (p *Poller) loop(ctx context.Context, gen int, threadID string, runID string, onSuccess func(), onFailure func(reason string)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.backend.RunStatus(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("run status poll failed", "thread_id", threadID, "run_id", runID, "error", err)
			if p.settle(gen) && onFailure != nil {
				onFailure("no se pudo verificar el estado de la respuesta")
			}
			return
		}

		switch status {
		case RunCompleted:
			if p.settle(gen) && onSuccess != nil {
				onSuccess()
			}
			return
		case RunFailed, RunCancelled, RunExpired:
			p.log.Warn("run ended without completing", "thread_id", threadID, "run_id", runID, "status", string(status))
			if p.settle(gen) && onFailure != nil {
				onFailure("el asistente no pudo completar la solicitud")
			}
			return
		default:
			// queued | in_progress | requires_action: keep polling.
		}
	}
}

// settle stops the loop owned by gen and reports whether its callback may
// still fire. A loop superseded by Start or Stop must stay silent.
func (p *Poller) settle(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.cancel == nil {
		return false
	}
	p.cancel()
	p.cancel = nil
	return true
}

// Stop cancels the polling loop. Idempotent; pending callbacks are
// suppressed so nothing fires against state that no longer exists.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.mu.Unlock()
}
