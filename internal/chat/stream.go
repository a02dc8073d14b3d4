package chat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultSettleDelay = 1 * time.Second
	defaultIdleTimeout = 2 * time.Minute

	reconcileFetchTimeout = 15 * time.Second
)

// ErrStreamFailed is surfaced for every transport-level streaming failure.
// The detail stays in the logs; the user only needs to know the turn died.
var ErrStreamFailed = errors.New("streaming failed")

// StreamOptions configures a StreamClient.
type StreamOptions struct {
	Backend    StreamBackend
	Transcript *Transcript
	Reveal     *Reveal
	Logger     *slog.Logger

	// SettleDelay is how long to wait after the done event before fetching
	// the authoritative history, so the reveal queue drains first.
	// When zero, it defaults to 1s.
	SettleDelay time.Duration
	// IdleTimeout kills a connection that produced no event for the
	// duration. When zero, it defaults to 2 minutes.
	IdleTimeout time.Duration
}

// StreamClient performs one assistant turn over a long-lived event
// connection. Incoming text fragments feed the Reveal scheduler; the done
// event triggers reconciliation against the authoritative message list; an
// error event or transport failure is terminal for the turn, with no
// automatic reconnect.
//
// At most one connection is active per client instance; Open closes any
// previous one.
type StreamClient struct {
	backend    StreamBackend
	transcript *Transcript
	reveal     *Reveal
	log        *slog.Logger
	settle     time.Duration
	idle       time.Duration

	mu     sync.Mutex
	gen    int
	cancel context.CancelFunc
}

func NewStreamClient(opts StreamOptions) (*StreamClient, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	if opts.Transcript == nil {
		return nil, errors.New("missing Transcript")
	}
	if opts.Reveal == nil {
		return nil, errors.New("missing Reveal")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &StreamClient{
		backend:    opts.Backend,
		transcript: opts.Transcript,
		reveal:     opts.Reveal,
		log:        log,
		settle:     settle,
		idle:       idle,
	}, nil
}

// Open starts streaming one turn. finished is called exactly once: with nil
// after reconciliation, or with an error after a terminal failure. Neither
// happens if Close (or a newer Open) supersedes this turn first.
func (c *StreamClient) Open(ctx context.Context, p TurnParams, finished func(error)) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if finished == nil {
		finished = func(error) {}
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, connCtx, gen, p, finished)
}

func (c *StreamClient) run(parent context.Context, connCtx context.Context, gen int, p TurnParams, finished func(error)) {
	body, err := c.backend.OpenTurnStream(connCtx, p)
	if err != nil {
		c.log.Warn("open turn stream failed", "thread_id", p.ThreadID, "error", err)
		c.fail(gen, finished)
		return
	}
	defer body.Close()

	// Reset on every line the decoder reads, comment heartbeats included; a
	// silently-dead connection is cut once the deadline lapses.
	idle := time.AfterFunc(c.idle, func() {
		c.log.Warn("event stream idle timeout", "thread_id", p.ThreadID)
		c.closeConn(gen)
	})
	defer idle.Stop()

	events := make(chan StreamEvent)
	go decodeEvents(body, events, func() { idle.Reset(c.idle) })
	// The decoder must never block on a reader that already left the loop.
	drain := func() {
		go func() {
			for range events {
			}
		}()
	}

	for ev := range events {
		switch ev.Kind {
		case EventFragment:
			c.reveal.Push(ev.Text)
		case EventDone:
			drain()
			c.closeConn(gen)
			c.reconcile(parent, gen, p.ThreadID, finished)
			return
		case EventError:
			if ev.Detail != "" {
				c.log.Warn("event stream error", "thread_id", p.ThreadID, "detail", ev.Detail)
			} else {
				c.log.Warn("event stream error", "thread_id", p.ThreadID)
			}
			drain()
			c.closeConn(gen)
			c.fail(gen, finished)
			return
		}
	}

	// The connection ended without a done marker: dropped stream.
	if connCtx.Err() == nil {
		c.log.Warn("event stream ended without done", "thread_id", p.ThreadID)
	}
	c.fail(gen, finished)
}

// reconcile waits the settle delay so already-buffered characters drain
// through the reveal scheduler, then swaps in the authoritative history.
// When the fetch fails, the locally-animated message is kept as-is rather
// than losing the reply.
func (c *StreamClient) reconcile(ctx context.Context, gen int, threadID string, finished func(error)) {
	timer := time.NewTimer(c.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if !c.owns(gen) {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, reconcileFetchTimeout)
	defer cancel()
	messages, err := c.backend.ListMessages(fetchCtx, threadID)

	if !c.owns(gen) {
		return
	}
	if err != nil {
		c.log.Warn("final message sync failed, keeping local text", "thread_id", threadID, "error", err)
		c.transcript.CommitInProgress()
	} else {
		c.transcript.ReplaceAll(messages)
	}
	finished(nil)
}

func (c *StreamClient) fail(gen int, finished func(error)) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.transcript.DropInProgress()
	finished(ErrStreamFailed)
}

// owns reports whether gen is still the live turn.
func (c *StreamClient) owns(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// closeConn cancels the transport for gen without superseding the turn.
func (c *StreamClient) closeConn(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Close tears down any open connection and supersedes the in-flight turn so
// its callbacks never fire. Safe to call when nothing is open, any number
// of times.
func (c *StreamClient) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.mu.Unlock()
}

// decodeEvents reads a text/event-stream body and emits decoded events
// until EOF, closing out. Unknown event names are ignored; comment and id
// lines are skipped. Multi-line data is joined with newlines per the SSE
// framing rules. activity, when non-nil, is invoked for every line read so
// the caller can track connection liveness even when the server sends only
// comment heartbeats.
func decodeEvents(body io.Reader, out chan<- StreamEvent, activity func()) {
	defer close(out)

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	name := ""
	var data []string
	haveData := false

	dispatch := func() {
		if !haveData && name == "" {
			return
		}
		payload := strings.Join(data, "\n")
		switch name {
		case "", "message":
			if haveData {
				out <- StreamEvent{Kind: EventFragment, Text: payload}
			}
		case "done":
			out <- StreamEvent{Kind: EventDone}
		case "error":
			out <- StreamEvent{Kind: EventError, Detail: payload}
		}
		name = ""
		data = nil
		haveData = false
	}

	for sc.Scan() {
		if activity != nil {
			activity()
		}
		line := sc.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			haveData = true
		}
	}
	dispatch()
}
