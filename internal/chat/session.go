package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const finalizeTimeout = 5 * time.Second

// SessionManager brackets the active lifetime of a conversation view in a
// coarse usage session: one Start when the thread becomes interactive, one
// Finalize when the view is torn down, regardless of how many turns happen
// in between. No session operation ever blocks turn submission.
type SessionManager struct {
	backend SessionBackend
	log     *slog.Logger

	mu        sync.Mutex
	started   bool
	finalized bool
	sessionID int64
	studentID int64
	threadID  string
}

func NewSessionManager(backend SessionBackend, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{backend: backend, log: log}
}

// Start opens the usage session. Subsequent calls are no-ops, so a host
// that re-activates the same view never opens a second session.
func (m *SessionManager) Start(ctx context.Context, studentID int64, threadID string) error {
	if m == nil || m.backend == nil {
		return errors.New("session backend not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	sessionID, err := m.backend.StartSession(ctx, studentID, threadID)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.sessionID = sessionID
	m.studentID = studentID
	m.threadID = threadID
	tornDown := m.finalized
	m.mu.Unlock()

	// The view can be torn down while Start is still in flight. The session
	// was opened anyway, so close it now; Finalize already ran as a no-op.
	if tornDown {
		m.close(studentID, sessionID, threadID)
	}
	return nil
}

func (m *SessionManager) close(studentID int64, sessionID int64, threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := m.backend.FinalizeSession(ctx, studentID, sessionID, threadID); err != nil {
		m.log.Warn("finalize session failed", "session_id", sessionID, "thread_id", threadID, "error", err)
	}
}

// SessionID returns the open session id, or false when none is open.
func (m *SessionManager) SessionID() (int64, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.finalized {
		return 0, false
	}
	return m.sessionID, true
}

// Finalize closes the session exactly once. Best-effort: the view is
// already gone, so failures are logged and swallowed. Safe to call when
// Start never ran or already failed.
func (m *SessionManager) Finalize() {
	if m == nil || m.backend == nil {
		return
	}

	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return
	}
	m.finalized = true
	opened := m.started && m.sessionID != 0
	sessionID := m.sessionID
	studentID := m.studentID
	threadID := m.threadID
	m.mu.Unlock()

	if !opened {
		// Start never completed; if it is still in flight it closes the
		// session itself once the id arrives.
		return
	}
	m.close(studentID, sessionID, threadID)
}
