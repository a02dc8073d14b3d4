package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcript holds the ordered message history for the current thread.
//
// It is the single mutable resource shared across the delivery components;
// every mutation goes through one of its methods and notifies subscribers
// synchronously so the presentation layer can re-render. At most one
// in-progress assistant message exists at a time and it is always the most
// recent entry.
type Transcript struct {
	mu         sync.Mutex
	messages   []Message
	inProgress bool
	subs       map[int]func()
	nextSub    int
}

func NewTranscript() *Transcript {
	return &Transcript{subs: make(map[int]func())}
}

// Subscribe registers fn to be called after every mutation. The returned
// cancel func is idempotent.
func (t *Transcript) Subscribe(fn func()) (cancel func()) {
	if t == nil || fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// notifyLocked snapshots the subscriber set under the lock; the caller must
// invoke the returned func after unlocking so subscribers may re-enter.
func (t *Transcript) notifyLocked() func() {
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}

// AppendUser appends a completed user message and returns it.
func (t *Transcript) AppendUser(text string) Message {
	msg := Message{
		ID:        "u-" + uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
	return msg
}

// BeginAssistant appends an empty in-progress assistant message. Any
// existing in-progress message is dropped first; the orchestrator never
// allows two, this is belt-and-suspenders.
func (t *Transcript) BeginAssistant() Message {
	msg := Message{
		ID:        "a-" + uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	if t.inProgress && len(t.messages) > 0 {
		t.messages = t.messages[:len(t.messages)-1]
	}
	t.messages = append(t.messages, msg)
	t.inProgress = true
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
	return msg
}

// AppendToInProgress grows the in-progress assistant message by fragment.
// A no-op when no in-progress message exists or the fragment is empty.
func (t *Transcript) AppendToInProgress(fragment string) {
	if t == nil || fragment == "" {
		return
	}

	t.mu.Lock()
	if !t.inProgress || len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	t.messages[len(t.messages)-1].Text += fragment
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
}

// ReplaceAll swaps the whole history for the authoritative server list.
// After it returns no in-progress message exists.
func (t *Transcript) ReplaceAll(messages []Message) {
	copied := make([]Message, len(messages))
	copy(copied, messages)

	t.mu.Lock()
	t.messages = copied
	t.inProgress = false
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
}

// DropInProgress removes the in-progress assistant message, if any.
func (t *Transcript) DropInProgress() {
	if t == nil {
		return
	}

	t.mu.Lock()
	if !t.inProgress || len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	t.messages = t.messages[:len(t.messages)-1]
	t.inProgress = false
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
}

// CommitInProgress converts the in-progress assistant message into a
// completed one, keeping its revealed text. Used as degraded recovery when
// the reconciliation fetch fails so user-visible content is not lost.
func (t *Transcript) CommitInProgress() {
	if t == nil {
		return
	}

	t.mu.Lock()
	if !t.inProgress {
		t.mu.Unlock()
		return
	}
	t.inProgress = false
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
}

// Retract removes the most recent message when its id matches. It undoes an
// optimistic append after a failed streaming submission; a completed
// in-progress marker is never touched because the in-progress message is
// dropped before the user message is retracted.
func (t *Transcript) Retract(messageID string) {
	if t == nil || messageID == "" {
		return
	}

	t.mu.Lock()
	n := len(t.messages)
	if n == 0 || t.messages[n-1].ID != messageID {
		t.mu.Unlock()
		return
	}
	t.messages = t.messages[:n-1]
	notify := t.notifyLocked()
	t.mu.Unlock()

	notify()
}

// Messages returns a copy of the current history, in-progress entry included.
func (t *Transcript) Messages() []Message {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// InProgress returns the in-progress assistant message, if one exists.
func (t *Transcript) InProgress() (Message, bool) {
	if t == nil {
		return Message{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inProgress || len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}
