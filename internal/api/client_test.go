package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aulament/tutorchat/internal/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Token: "tok_test", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Token: "t"}); err == nil {
		t.Error("missing BaseURL accepted")
	}
	if _, err := New(Options{BaseURL: "http://x"}); err == nil {
		t.Error("missing Token accepted")
	}
	c, err := New(Options{BaseURL: "http://x/api/", Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://x/api" {
		t.Fatalf("baseURL=%q, want trailing slash trimmed", c.baseURL)
	}
}

func TestClient_CreateThread(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/threads/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_test" {
			t.Errorf("Authorization=%q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["alumnoId"] != float64(7) || req["asistente_id"] != "asst_1" {
			t.Errorf("request=%v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"thread_id": "th_9",
			"messages": []map[string]any{
				{"id": "m1", "rol": "assistant", "texto": "hola", "fecha": time.Now().Format(time.RFC3339)},
			},
		})
	}))

	id, seed, err := c.CreateThread(context.Background(), 7, "asst_1")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "th_9" {
		t.Fatalf("id=%q, want th_9", id)
	}
	if len(seed) != 1 || seed[0].Role != chat.RoleAssistant || seed[0].Text != "hola" {
		t.Fatalf("seed=%+v", seed)
	}
}

func TestClient_CreateThread_LegacyIDField(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "th_legacy"})
	}))

	id, _, err := c.CreateThread(context.Background(), 7, "asst_1")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "th_legacy" {
		t.Fatalf("id=%q, want th_legacy", id)
	}
}

func TestClient_CreateThread_NoID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))

	if _, _, err := c.CreateThread(context.Background(), 7, "asst_1"); err == nil {
		t.Fatal("CreateThread succeeded with no id in response")
	}
}

func TestClient_ListMessages(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/th_1/messages" {
			t.Errorf("path=%q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `[
			{"id":"m1","rol":"user","texto":"¿qué es el mcm?","fecha":"2026-03-01T10:00:00Z"},
			{"id":"m2","rol":"assistant","partes":[
				{"type":"text","text":"Mirá este diagrama:"},
				{"type":"image","data_url":"data:image/png;base64,AAAA"}
			],"fecha":"2026-03-01T10:00:05Z"}
		]`)
	}))

	msgs, err := c.ListMessages(context.Background(), "th_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len=%d, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Text != "¿qué es el mcm?" {
		t.Fatalf("msgs[0]=%+v", msgs[0])
	}
	parts := msgs[1].BodyParts()
	if len(parts) != 2 || parts[0].Type != chat.PartText || parts[1].Type != chat.PartImage {
		t.Fatalf("parts=%+v", parts)
	}
	if parts[1].DataURL != "data:image/png;base64,AAAA" {
		t.Fatalf("image part=%+v", parts[1])
	}
}

func TestClient_SubmitTurnAndRunStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/th_1":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["input"] != "hola" || req["estudiante_id"] != float64(7) {
				t.Errorf("request=%v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "run_5", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/threads/th_1/runs/run_5/status":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	runID, err := c.SubmitTurn(context.Background(), chat.TurnParams{
		ThreadID: "th_1", Text: "hola", AssistantID: "asst_1", StudentID: 7,
	})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if runID != "run_5" {
		t.Fatalf("runID=%q, want run_5", runID)
	}

	status, err := c.RunStatus(context.Background(), "th_1", "run_5")
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if status != chat.RunCompleted {
		t.Fatalf("status=%q, want completed", status)
	}
}

func TestClient_OpenTurnStream(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses/chat/stream" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept=%q", got)
		}
		q := r.URL.Query()
		if q.Get("thread_id") != "th_1" || q.Get("texto") != "¿y esto?" ||
			q.Get("asistente_id") != "asst_1" || q.Get("estudiante_id") != "7" {
			t.Errorf("query=%v", q)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: hola\n\nevent: done\ndata: x\n\n")
	}))

	body, err := c.OpenTurnStream(context.Background(), chat.TurnParams{
		ThreadID: "th_1", Text: "¿y esto?", AssistantID: "asst_1", StudentID: 7,
	})
	if err != nil {
		t.Fatalf("OpenTurnStream: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(raw), "event: done") {
		t.Fatalf("stream body=%q", raw)
	}
}

func TestClient_OpenTurnStream_NonOKStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sin autorización", http.StatusUnauthorized)
	}))

	_, err := c.OpenTurnStream(context.Background(), chat.TurnParams{ThreadID: "th_1"})
	if err == nil {
		t.Fatal("OpenTurnStream succeeded, want error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "sin autorización") {
		t.Fatalf("error=%v, want status and body detail", err)
	}
}

func TestClient_SessionLifecycle(t *testing.T) {
	t.Parallel()

	finalized := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sesiones/iniciar/7":
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["thread_id"] != "th_1" {
				t.Errorf("request=%v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]int64{"sesion_id": 33})
		case "/sesiones/finalizar":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["sesion_id"] != float64(33) || req["estudiante_id"] != float64(7) {
				t.Errorf("request=%v", req)
			}
			finalized = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))

	id, err := c.StartSession(context.Background(), 7, "th_1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != 33 {
		t.Fatalf("session id=%d, want 33", id)
	}
	if err := c.FinalizeSession(context.Background(), 7, id, "th_1"); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if !finalized {
		t.Fatal("finalize endpoint never hit")
	}
}

func TestClient_ErrorStatusIncludesBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hilo inexistente", http.StatusNotFound)
	}))

	_, err := c.ListMessages(context.Background(), "th_missing")
	if err == nil {
		t.Fatal("ListMessages succeeded, want error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "hilo inexistente") {
		t.Fatalf("error=%v, want status and body detail", err)
	}
}

func TestWireMessage_RoleMapping(t *testing.T) {
	t.Parallel()

	for wire, want := range map[string]chat.Role{
		"user":      chat.RoleUser,
		"assistant": chat.RoleAssistant,
		"system":    chat.RoleAssistant, // anything non-user renders as the tutor
	} {
		got := WireMessage{ID: "m", Rol: wire}.domain()
		if got.Role != want {
			t.Errorf("rol %q mapped to %q, want %q", wire, got.Role, want)
		}
	}
}
