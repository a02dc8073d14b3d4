package chat

import (
	"sync"
	"time"
)

const (
	defaultTickInterval = 10 * time.Millisecond
	defaultCharsPerTick = 3
)

// RevealOptions configures a Reveal scheduler.
type RevealOptions struct {
	// TickInterval is the cadence of the typing effect.
	// When zero, it defaults to 10ms.
	TickInterval time.Duration
	// CharsPerTick is how many characters each tick releases.
	// When zero, it defaults to 3.
	CharsPerTick int
	// Sink receives the released characters, typically
	// Transcript.AppendToInProgress.
	Sink func(string)
}

// Reveal decouples the rate at which assistant text arrives from the rate
// at which it is shown. Pushed fragments are queued and drained to the sink
// a few characters per tick, keeping the typing animation smooth even when
// the network delivers large, infrequent bursts.
//
// The queue holds runes, not bytes, so multi-byte characters are never
// split across ticks.
type Reveal struct {
	tick  time.Duration
	chars int
	sink  func(string)

	mu      sync.Mutex
	queue   []rune
	running bool
	stop    chan struct{}
}

func NewReveal(opts RevealOptions) *Reveal {
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	chars := opts.CharsPerTick
	if chars <= 0 {
		chars = defaultCharsPerTick
	}
	sink := opts.Sink
	if sink == nil {
		sink = func(string) {}
	}
	return &Reveal{tick: tick, chars: chars, sink: sink}
}

// Push queues a fragment of any size for later release.
func (r *Reveal) Push(fragment string) {
	if r == nil || fragment == "" {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, []rune(fragment)...)
	r.mu.Unlock()
}

// Start begins the repeating tick. Safe to call when already running.
func (r *Reveal) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go r.loop(stop)
}

func (r *Reveal) loop(stop chan struct{}) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.release()
		}
	}
}

// release pops up to charsPerTick runes and forwards them to the sink.
// Empty queue ticks are no-ops. The sink runs outside the lock because it
// re-enters the transcript.
func (r *Reveal) release() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	n := r.chars
	if n > len(r.queue) {
		n = len(r.queue)
	}
	out := string(r.queue[:n])
	r.queue = r.queue[n:]
	r.mu.Unlock()

	r.sink(out)
}

// Stop cancels the tick and discards any buffered-but-unreleased text.
// Idempotent and safe to call when never started.
func (r *Reveal) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.running {
		close(r.stop)
		r.stop = nil
		r.running = false
	}
	r.queue = nil
	r.mu.Unlock()
}

// Pending reports how many characters are queued but not yet released.
func (r *Reveal) Pending() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
