package chat

import (
	"context"
	"io"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the entries of Message.Parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one fragment of a mixed-media message body.
type Part struct {
	Type    PartType `json:"type"`
	Text    string   `json:"text,omitempty"`
	DataURL string   `json:"data_url,omitempty"`
}

// Message is one entry of a thread transcript.
//
// Messages are immutable once completed. The single exception is the
// in-progress assistant message owned by the Transcript, which grows by
// appending revealed text until it is reconciled or dropped.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
}

// BodyParts returns the message body as typed parts. When the wire message
// carried only plain text, a single text part is synthesized so callers can
// render every message the same way.
func (m Message) BodyParts() []Part {
	if len(m.Parts) > 0 {
		out := make([]Part, len(m.Parts))
		copy(out, m.Parts)
		return out
	}
	return []Part{{Type: PartText, Text: m.Text}}
}

// PlainText flattens the message body to text, substituting a short
// placeholder for image parts.
func (m Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartImage:
			b.WriteString("[imagen]")
		}
	}
	return b.String()
}

// RunStatus is the server-tracked lifecycle state of one assistant turn.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether the run will make no further progress.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// StreamEventKind discriminates StreamEvent.
type StreamEventKind int

const (
	EventFragment StreamEventKind = iota
	EventDone
	EventError
)

// StreamEvent is one decoded event from an assistant-turn event stream.
type StreamEvent struct {
	Kind   StreamEventKind
	Text   string // fragment payload
	Detail string // error detail, may be empty
}

// TurnParams carries everything the backend needs to execute one turn.
type TurnParams struct {
	ThreadID    string
	Text        string
	AssistantID string
	StudentID   int64
}

// ThreadBackend creates threads and reads their authoritative history.
type ThreadBackend interface {
	CreateThread(ctx context.Context, studentID int64, assistantID string) (threadID string, seed []Message, err error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// StreamBackend opens the long-lived event connection for one turn.
type StreamBackend interface {
	OpenTurnStream(ctx context.Context, p TurnParams) (io.ReadCloser, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// PollBackend submits a turn for asynchronous execution and reports run state.
type PollBackend interface {
	SubmitTurn(ctx context.Context, p TurnParams) (runID string, err error)
	RunStatus(ctx context.Context, threadID string, runID string) (RunStatus, error)
}

// SessionBackend opens and closes coarse usage sessions around a thread.
type SessionBackend interface {
	StartSession(ctx context.Context, studentID int64, threadID string) (sessionID int64, err error)
	FinalizeSession(ctx context.Context, studentID int64, sessionID int64, threadID string) error
}

// Backend is the full surface the orchestrator consumes. internal/api
// implements it against the tutoring HTTP API.
type Backend interface {
	ThreadBackend
	StreamBackend
	PollBackend
	SessionBackend
}

// Archiver receives best-effort transcript snapshots after reconciliation.
// Failures are logged by the caller, never surfaced.
type Archiver interface {
	SnapshotThread(threadID string, messages []Message) error
}
