package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyInput = errors.New("empty input")
	ErrTurnActive = errors.New("a turn is already in flight")
	ErrNotReady   = errors.New("conversation not ready")
	ErrDisposed   = errors.New("orchestrator disposed")
)

// Transport selects the delivery path for assistant turns.
type Transport string

const (
	// TransportStream receives the reply as a live event stream.
	TransportStream Transport = "stream"
	// TransportPoll submits the turn and polls run status until terminal.
	TransportPoll Transport = "poll"
)

// State is the orchestrator's position in the turn lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingThread
	StateReady
	StateSubmitting
	StateStreaming
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingThread:
		return "awaiting_thread"
	case StateReady:
		return "ready"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	}
	return "unknown"
}

// Options configures an Orchestrator.
type Options struct {
	Backend Backend
	Logger  *slog.Logger
	// Archive receives best-effort transcript snapshots. Optional.
	Archive Archiver

	StudentID   int64
	AssistantID string
	// ThreadID resumes an existing thread. When empty, a thread is created
	// on demand during Start.
	ThreadID string
	// Transport defaults to TransportStream.
	Transport Transport

	// Tunables; zero values pick the component defaults.
	TickInterval time.Duration
	CharsPerTick int
	PollInterval time.Duration
	SettleDelay  time.Duration
	IdleTimeout  time.Duration
}

// Orchestrator accepts submitted turns, chooses the delivery path, enforces
// exactly one in-flight turn, and exposes the combined transcript view
// (completed messages plus the in-progress one) to the presentation layer.
// It owns the teardown of every delivery component.
type Orchestrator struct {
	log         *slog.Logger
	backend     Backend
	archive     Archiver
	studentID   int64
	assistantID string
	transport   Transport

	transcript *Transcript
	reveal     *Reveal
	stream     *StreamClient
	poller     *Poller
	session    *SessionManager

	mu       sync.Mutex
	state    State
	threadID string
	lastErr  error
	disposed bool
	turn     int

	subs    map[int]func()
	nextSub int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	if opts.StudentID <= 0 {
		return nil, errors.New("missing StudentID")
	}
	if strings.TrimSpace(opts.AssistantID) == "" {
		return nil, errors.New("missing AssistantID")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	transport := opts.Transport
	if transport == "" {
		transport = TransportStream
	}
	if transport != TransportStream && transport != TransportPoll {
		return nil, fmt.Errorf("unknown transport %q", transport)
	}

	transcript := NewTranscript()
	reveal := NewReveal(RevealOptions{
		TickInterval: opts.TickInterval,
		CharsPerTick: opts.CharsPerTick,
		Sink:         transcript.AppendToInProgress,
	})
	stream, err := NewStreamClient(StreamOptions{
		Backend:     opts.Backend,
		Transcript:  transcript,
		Reveal:      reveal,
		Logger:      log,
		SettleDelay: opts.SettleDelay,
		IdleTimeout: opts.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		log:         log,
		backend:     opts.Backend,
		archive:     opts.Archive,
		studentID:   opts.StudentID,
		assistantID: strings.TrimSpace(opts.AssistantID),
		transport:   transport,
		transcript:  transcript,
		reveal:      reveal,
		stream:      stream,
		poller:      NewPoller(PollerOptions{Backend: opts.Backend, Logger: log, Interval: opts.PollInterval}),
		session:     NewSessionManager(opts.Backend, log),
		state:       StateIdle,
		threadID:    strings.TrimSpace(opts.ThreadID),
		subs:        make(map[int]func()),
	}
	transcript.Subscribe(o.notifySubs)
	return o, nil
}

// Start makes the conversation interactive: it resumes or creates the
// thread, loads the authoritative history, and opens the usage session.
// Call it once before Submit.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o == nil {
		return ErrNotReady
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil
	}
	threadID := o.threadID
	// Transitional on both paths, so a concurrent second Start cannot
	// re-enter and duplicate the history load or session open.
	o.state = StateAwaitingThread
	o.mu.Unlock()
	o.notifySubs()

	if threadID == "" {
		id, seed, err := o.backend.CreateThread(ctx, o.studentID, o.assistantID)
		if err != nil {
			o.setState(StateIdle, fmt.Errorf("create thread: %w", err))
			return err
		}
		threadID = strings.TrimSpace(id)
		if threadID == "" {
			err := errors.New("backend returned no thread id")
			o.setState(StateIdle, err)
			return err
		}
		if len(seed) > 0 {
			o.transcript.ReplaceAll(seed)
		}
	}

	o.mu.Lock()
	o.threadID = threadID
	o.mu.Unlock()

	if messages, err := o.backend.ListMessages(ctx, threadID); err != nil {
		o.log.Warn("initial history load failed", "thread_id", threadID, "error", err)
	} else {
		o.transcript.ReplaceAll(messages)
		o.snapshot()
	}

	// The usage session brackets the whole visit; its failures never block
	// the conversation.
	if err := o.session.Start(ctx, o.studentID, threadID); err != nil {
		o.log.Warn("start session failed", "thread_id", threadID, "error", err)
	}

	o.setState(StateReady, nil)
	return nil
}

// Submit sends one user turn. Rejected without side effects unless the
// orchestrator is exactly Ready; this is the only duplicate-submission
// guard in the system.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	if o == nil {
		return ErrNotReady
	}
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	switch o.state {
	case StateReady:
	case StateIdle, StateAwaitingThread:
		o.mu.Unlock()
		return ErrNotReady
	default:
		o.mu.Unlock()
		return ErrTurnActive
	}
	o.state = StateSubmitting
	o.lastErr = nil
	o.turn++
	turn := o.turn
	threadID := o.threadID
	o.mu.Unlock()

	userMsg := o.transcript.AppendUser(text)
	params := TurnParams{
		ThreadID:    threadID,
		Text:        text,
		AssistantID: o.assistantID,
		StudentID:   o.studentID,
	}

	if o.transport == TransportPoll {
		return o.submitPolling(ctx, turn, params, userMsg)
	}
	o.submitStreaming(ctx, turn, params, userMsg)
	return nil
}

func (o *Orchestrator) submitStreaming(ctx context.Context, turn int, params TurnParams, userMsg Message) {
	o.transcript.BeginAssistant()
	o.reveal.Start()
	o.setStateForTurn(turn, StateStreaming, nil)

	o.stream.Open(ctx, params, func(err error) {
		o.streamFinished(turn, userMsg.ID, err)
	})
}

func (o *Orchestrator) streamFinished(turn int, userMsgID string, err error) {
	o.mu.Lock()
	if o.disposed || turn != o.turn {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	// Leftover buffered characters are discarded here, never replayed into
	// the next turn.
	o.reveal.Stop()

	if err != nil {
		// The stream client already dropped the in-progress reply; the
		// optimistic user message goes with it since no reply ever landed.
		o.transcript.Retract(userMsgID)
		o.setStateForTurn(turn, StateReady, err)
		return
	}

	o.snapshot()
	o.setStateForTurn(turn, StateReady, nil)
}

func (o *Orchestrator) submitPolling(ctx context.Context, turn int, params TurnParams, userMsg Message) error {
	runID, err := o.backend.SubmitTurn(ctx, params)
	if err == nil && strings.TrimSpace(runID) == "" {
		err = errors.New("backend returned no run id")
	}
	if err != nil {
		// The turn never started; undo the optimistic append.
		o.transcript.Retract(userMsg.ID)
		failure := fmt.Errorf("submit turn: %w", err)
		o.setStateForTurn(turn, StateReady, failure)
		return failure
	}

	o.setStateForTurn(turn, StatePolling, nil)
	o.poller.Start(ctx, params.ThreadID, runID,
		func() { o.pollSucceeded(turn, params.ThreadID) },
		func(reason string) { o.pollFailed(turn, reason) },
	)
	return nil
}

func (o *Orchestrator) pollSucceeded(turn int, threadID string) {
	o.mu.Lock()
	if o.disposed || turn != o.turn {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reconcileFetchTimeout)
	defer cancel()
	messages, err := o.backend.ListMessages(ctx, threadID)
	if err != nil {
		// The run completed but the reply could not be loaded; the user can
		// resubmit or reload, the transcript stays untouched.
		o.log.Warn("final message sync failed", "thread_id", threadID, "error", err)
		o.setStateForTurn(turn, StateReady, fmt.Errorf("load reply: %w", err))
		return
	}

	o.transcript.ReplaceAll(messages)
	o.snapshot()
	o.setStateForTurn(turn, StateReady, nil)
}

func (o *Orchestrator) pollFailed(turn int, reason string) {
	o.setStateForTurn(turn, StateReady, errors.New(reason))
}

// Dispose tears the conversation down: stream connection, polling timer,
// reveal timer, then the best-effort session finalize, in that order.
// Idempotent; the owning view calls it exactly once on unmount.
func (o *Orchestrator) Dispose() {
	if o == nil {
		return
	}
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	o.turn++
	o.mu.Unlock()

	o.stream.Close()
	o.poller.Stop()
	o.reveal.Stop()
	o.session.Finalize()
}

// Subscribe registers fn to run after every transcript or state change.
func (o *Orchestrator) Subscribe(fn func()) (cancel func()) {
	if o == nil || fn == nil {
		return func() {}
	}
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) notifySubs() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err
	o.mu.Unlock()
	o.notifySubs()
}

// setStateForTurn applies the transition only while turn is still current,
// so callbacks from a superseded turn cannot corrupt the machine.
func (o *Orchestrator) setStateForTurn(turn int, s State, err error) {
	o.mu.Lock()
	if o.disposed || turn != o.turn {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.lastErr = err
	o.mu.Unlock()
	o.notifySubs()
}

func (o *Orchestrator) snapshot() {
	if o.archive == nil {
		return
	}
	o.mu.Lock()
	threadID := o.threadID
	o.mu.Unlock()
	if threadID == "" {
		return
	}
	if err := o.archive.SnapshotThread(threadID, o.transcript.Messages()); err != nil {
		o.log.Warn("archive snapshot failed", "thread_id", threadID, "error", err)
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	if o == nil {
		return StateIdle
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ThreadID returns the active thread id, empty before Start resolves one.
func (o *Orchestrator) ThreadID() string {
	if o == nil {
		return ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threadID
}

// LastError returns the error surfaced by the most recent failed turn, nil
// after a successful one.
func (o *Orchestrator) LastError() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Messages returns the combined view: completed history plus the
// in-progress assistant message when one exists.
func (o *Orchestrator) Messages() []Message {
	if o == nil {
		return nil
	}
	return o.transcript.Messages()
}

// InProgress returns the in-progress assistant message, if any.
func (o *Orchestrator) InProgress() (Message, bool) {
	if o == nil {
		return Message{}, false
	}
	return o.transcript.InProgress()
}
