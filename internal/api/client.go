package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aulament/tutorchat/internal/chat"
)

const defaultRequestTimeout = 15 * time.Second

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. https://tutor.example.invalid/api.
	BaseURL string
	// Token is sent as a bearer credential on every request, the event
	// stream included.
	Token  string
	Logger *slog.Logger

	// HTTPClient overrides the transport. It must not set a global timeout;
	// the event stream outlives any sane one. Request/response calls get a
	// per-call deadline instead.
	HTTPClient *http.Client
	// RequestTimeout bounds each request/response call. When zero, it
	// defaults to 15s. Never applied to the event stream.
	RequestTimeout time.Duration
}

// Client talks to the tutoring backend. It implements chat.Backend.
type Client struct {
	baseURL string
	token   string
	log     *slog.Logger
	httpc   *http.Client
	timeout time.Duration
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("missing BaseURL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("missing Token")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(opts.Token),
		log:     log,
		httpc:   httpc,
		timeout: timeout,
	}, nil
}

// CreateThread creates (or resumes, backend-side) the student/assistant
// thread. The response may seed the initial message list.
func (c *Client) CreateThread(ctx context.Context, studentID int64, assistantID string) (string, []chat.Message, error) {
	var resp createThreadResponse
	err := c.doJSON(ctx, http.MethodPost, "/threads/", createThreadRequest{
		AlumnoID:    studentID,
		AsistenteID: assistantID,
	}, &resp)
	if err != nil {
		return "", nil, err
	}

	// Older backend versions answer with "id" instead of "thread_id".
	threadID := strings.TrimSpace(resp.ThreadID)
	if threadID == "" {
		threadID = strings.TrimSpace(resp.ID)
	}
	if threadID == "" {
		return "", nil, errors.New("create thread: response carried no thread id")
	}
	return threadID, domainMessages(resp.Messages), nil
}

// ListMessages fetches the authoritative history of a thread.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}
	var wire []WireMessage
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", nil, &wire); err != nil {
		return nil, err
	}
	return domainMessages(wire), nil
}

// SubmitTurn submits a turn on the request/response path and returns the
// run id to poll.
func (c *Client) SubmitTurn(ctx context.Context, p chat.TurnParams) (string, error) {
	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return "", errors.New("missing thread id")
	}
	var resp submitTurnResponse
	err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID), submitTurnRequest{
		Input:        p.Text,
		AsistenteID:  p.AssistantID,
		EstudianteID: p.StudentID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.RunID), nil
}

// RunStatus queries the lifecycle state of one run.
func (c *Client) RunStatus(ctx context.Context, threadID string, runID string) (chat.RunStatus, error) {
	threadID = strings.TrimSpace(threadID)
	runID = strings.TrimSpace(runID)
	if threadID == "" || runID == "" {
		return "", errors.New("missing thread or run id")
	}
	var resp runStatusResponse
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/status"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return chat.RunStatus(strings.TrimSpace(resp.Status)), nil
}

// OpenTurnStream opens the long-lived event connection for one turn. The
// caller owns the returned body and must close it.
func (c *Client) OpenTurnStream(ctx context.Context, p chat.TurnParams) (io.ReadCloser, error) {
	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}

	q := url.Values{}
	q.Set("thread_id", threadID)
	q.Set("texto", p.Text)
	q.Set("asistente_id", p.AssistantID)
	q.Set("estudiante_id", strconv.FormatInt(p.StudentID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/responses/chat/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d: %s", resp.StatusCode, body)
	}
	return resp.Body, nil
}

// StartSession opens a usage session for the thread.
func (c *Client) StartSession(ctx context.Context, studentID int64, threadID string) (int64, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return 0, errors.New("missing thread id")
	}
	var resp startSessionResponse
	path := "/sesiones/iniciar/" + strconv.FormatInt(studentID, 10)
	if err := c.doJSON(ctx, http.MethodPost, path, startSessionRequest{ThreadID: threadID}, &resp); err != nil {
		return 0, err
	}
	if resp.SesionID <= 0 {
		return 0, errors.New("start session: response carried no session id")
	}
	return resp.SesionID, nil
}

// FinalizeSession closes a usage session.
func (c *Client) FinalizeSession(ctx context.Context, studentID int64, sessionID int64, threadID string) error {
	return c.doJSON(ctx, http.MethodPost, "/sesiones/finalizar", finalizeSessionRequest{
		EstudianteID: studentID,
		SesionID:     sessionID,
		ThreadID:     threadID,
	}, nil)
}

func (c *Client) doJSON(ctx context.Context, method string, path string, in any, out any) error {
	if c == nil {
		return errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, readErrorBody(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
