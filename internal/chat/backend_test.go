package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBackend implements Backend with overridable hooks and call counters.
type fakeBackend struct {
	mu sync.Mutex

	createThread    func(ctx context.Context, studentID int64, assistantID string) (string, []Message, error)
	listMessages    func(ctx context.Context, threadID string) ([]Message, error)
	submitTurn      func(ctx context.Context, p TurnParams) (string, error)
	runStatus       func(ctx context.Context, threadID string, runID string) (RunStatus, error)
	openStream      func(ctx context.Context, p TurnParams) (io.ReadCloser, error)
	startSession    func(ctx context.Context, studentID int64, threadID string) (int64, error)
	finalizeSession func(ctx context.Context, studentID int64, sessionID int64, threadID string) error

	startSessionCalls    int
	finalizeSessionCalls int
	runStatusCalls       int
}

func (f *fakeBackend) CreateThread(ctx context.Context, studentID int64, assistantID string) (string, []Message, error) {
	if f.createThread != nil {
		return f.createThread(ctx, studentID, assistantID)
	}
	return "th_test", nil, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	if f.listMessages != nil {
		return f.listMessages(ctx, threadID)
	}
	return nil, nil
}

func (f *fakeBackend) SubmitTurn(ctx context.Context, p TurnParams) (string, error) {
	if f.submitTurn != nil {
		return f.submitTurn(ctx, p)
	}
	return "run_test", nil
}

func (f *fakeBackend) RunStatus(ctx context.Context, threadID string, runID string) (RunStatus, error) {
	f.mu.Lock()
	f.runStatusCalls++
	hook := f.runStatus
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, threadID, runID)
	}
	return RunCompleted, nil
}

func (f *fakeBackend) OpenTurnStream(ctx context.Context, p TurnParams) (io.ReadCloser, error) {
	f.mu.Lock()
	hook := f.openStream
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, p)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeBackend) StartSession(ctx context.Context, studentID int64, threadID string) (int64, error) {
	f.mu.Lock()
	f.startSessionCalls++
	f.mu.Unlock()
	if f.startSession != nil {
		return f.startSession(ctx, studentID, threadID)
	}
	return 1, nil
}

func (f *fakeBackend) FinalizeSession(ctx context.Context, studentID int64, sessionID int64, threadID string) error {
	f.mu.Lock()
	f.finalizeSessionCalls++
	f.mu.Unlock()
	if f.finalizeSession != nil {
		return f.finalizeSession(ctx, studentID, sessionID, threadID)
	}
	return nil
}

func (f *fakeBackend) counts() (start int, finalize int, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startSessionCalls, f.finalizeSessionCalls, f.runStatusCalls
}

// sseBody renders fragments plus a terminal event as a readable SSE stream.
// terminal is "done", "error", or "" for a stream that just ends.
func sseBody(fragments []string, terminal string) io.ReadCloser {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	switch terminal {
	case "done":
		b.WriteString("event: done\ndata: [DONE]\n\n")
	case "error":
		b.WriteString("event: error\ndata: boom\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

var errBackend = errors.New("backend unavailable")
