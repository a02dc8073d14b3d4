package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aulament/tutorchat/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessages() []chat.Message {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Text: "¿qué es el mcm?", CreatedAt: created},
		{ID: "m2", Role: chat.RoleAssistant, CreatedAt: created.Add(5 * time.Second), Parts: []chat.Part{
			{Type: chat.PartText, Text: "Mirá el diagrama: "},
			{Type: chat.PartImage, DataURL: "data:image/png;base64,AAAA"},
		}},
	}
}

func TestStore_SnapshotAndMessages(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.SnapshotThread("th_1", sampleMessages()); err != nil {
		t.Fatalf("SnapshotThread: %v", err)
	}

	got, err := s.Messages(context.Background(), "th_1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[0].Text != "¿qué es el mcm?" {
		t.Fatalf("got[0]=%+v", got[0])
	}
	if len(got[1].Parts) != 2 || got[1].Parts[1].Type != chat.PartImage {
		t.Fatalf("got[1]=%+v, want mixed-media parts preserved", got[1])
	}
	if got[1].PlainText() != "Mirá el diagrama: [imagen]" {
		t.Fatalf("PlainText=%q", got[1].PlainText())
	}
}

func TestStore_SnapshotReplacesPrevious(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	msgs := sampleMessages()
	if err := s.SnapshotThread("th_1", msgs); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}

	msgs = append(msgs, chat.Message{ID: "m3", Role: chat.RoleUser, Text: "gracias"})
	if err := s.SnapshotThread("th_1", msgs); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	got, err := s.Messages(context.Background(), "th_1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 3 || got[2].ID != "m3" {
		t.Fatalf("messages=%+v, want replaced transcript with 3 entries", got)
	}
}

func TestStore_Threads(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.SnapshotThread("th_a", sampleMessages()); err != nil {
		t.Fatalf("snapshot th_a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.SnapshotThread("th_b", sampleMessages()[:1]); err != nil {
		t.Fatalf("snapshot th_b: %v", err)
	}

	threads, err := s.Threads(context.Background())
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("len=%d, want 2", len(threads))
	}
	if threads[0].ThreadID != "th_b" || threads[0].MessageCount != 1 {
		t.Fatalf("threads[0]=%+v, want th_b first (most recent)", threads[0])
	}
	if threads[1].ThreadID != "th_a" || threads[1].MessageCount != 2 {
		t.Fatalf("threads[1]=%+v", threads[1])
	}
}

func TestStore_EmptyThread(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, err := s.Messages(context.Background(), "th_unknown")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("messages=%+v, want none", got)
	}
}

func TestStore_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Error("Open accepted empty path")
	}

	s := openTestStore(t)
	if err := s.SnapshotThread("  ", nil); err == nil {
		t.Error("SnapshotThread accepted empty thread id")
	}
	if _, err := s.Messages(context.Background(), ""); err == nil {
		t.Error("Messages accepted empty thread id")
	}
}

func TestStore_ReopenPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SnapshotThread("th_1", sampleMessages()); err != nil {
		t.Fatalf("SnapshotThread: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Messages(context.Background(), "th_1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d after reopen, want 2", len(got))
	}
}
