// Package api is the HTTP client for the tutoring backend. It implements
// chat.Backend and owns the wire shapes, which keep the backend's Spanish
// field names.
package api

import (
	"strings"
	"time"

	"github.com/aulament/tutorchat/internal/chat"
)

// WirePart mirrors one entry of a message's "partes" array.
type WirePart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	DataURL string `json:"data_url,omitempty"`
}

// WireMessage mirrors the backend message shape. "texto" carries plain text
// for older messages; "partes" carries mixed-media bodies.
type WireMessage struct {
	ID     string     `json:"id"`
	Rol    string     `json:"rol"`
	Texto  string     `json:"texto,omitempty"`
	Partes []WirePart `json:"partes,omitempty"`
	Fecha  time.Time  `json:"fecha"`
}

func (m WireMessage) domain() chat.Message {
	role := chat.RoleAssistant
	if strings.TrimSpace(m.Rol) == "user" {
		role = chat.RoleUser
	}
	out := chat.Message{
		ID:        m.ID,
		Role:      role,
		Text:      m.Texto,
		CreatedAt: m.Fecha,
	}
	for _, p := range m.Partes {
		part := chat.Part{Text: p.Text, DataURL: p.DataURL}
		switch p.Type {
		case "image":
			part.Type = chat.PartImage
		default:
			part.Type = chat.PartText
		}
		out.Parts = append(out.Parts, part)
	}
	return out
}

func domainMessages(wire []WireMessage) []chat.Message {
	out := make([]chat.Message, 0, len(wire))
	for _, m := range wire {
		out = append(out, m.domain())
	}
	return out
}

type createThreadRequest struct {
	AlumnoID    int64  `json:"alumnoId"`
	AsistenteID string `json:"asistente_id"`
}

type createThreadResponse struct {
	ThreadID string        `json:"thread_id"`
	ID       string        `json:"id"`
	Messages []WireMessage `json:"messages,omitempty"`
}

type submitTurnRequest struct {
	Input        string `json:"input"`
	AsistenteID  string `json:"asistente_id"`
	EstudianteID int64  `json:"estudiante_id"`
}

type submitTurnResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

type runStatusResponse struct {
	Status string `json:"status"`
}

type startSessionRequest struct {
	ThreadID string `json:"thread_id"`
}

type startSessionResponse struct {
	SesionID int64 `json:"sesion_id"`
}

type finalizeSessionRequest struct {
	EstudianteID int64  `json:"estudiante_id"`
	SesionID     int64  `json:"sesion_id"`
	ThreadID     string `json:"thread_id"`
}
