package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aulament/tutorchat/internal/chat"
)

const startTimeout = 30 * time.Second

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type transcriptChangedMsg struct{}

type startedMsg struct{ err error }

func runUI(orc *chat.Orchestrator) error {
	m := newUIModel(orc)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type uiModel struct {
	orc       *chat.Orchestrator
	updates   chan struct{}
	cancelSub func()

	vp    viewport.Model
	input textinput.Model
	spin  spinner.Model

	width    int
	height   int
	sized    bool
	startErr error
}

func newUIModel(orc *chat.Orchestrator) *uiModel {
	input := textinput.New()
	input.Placeholder = "Hacé una pregunta..."
	input.CharLimit = 4000
	input.Focus()

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))

	updates := make(chan struct{}, 1)
	cancelSub := orc.Subscribe(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	return &uiModel{
		orc:       orc,
		updates:   updates,
		cancelSub: cancelSub,
		input:     input,
		spin:      spin,
	}
}

func (m *uiModel) Init() tea.Cmd {
	return tea.Batch(
		m.startConversation,
		m.waitForChange,
		m.spin.Tick,
		textinput.Blink,
	)
}

func (m *uiModel) startConversation() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	return startedMsg{err: m.orc.Start(ctx)}
}

func (m *uiModel) waitForChange() tea.Msg {
	<-m.updates
	return transcriptChangedMsg{}
}

func (m *uiModel) submit(text string) tea.Cmd {
	return func() tea.Msg {
		// Input errors and duplicate submissions are silent no-ops; real
		// failures surface through the orchestrator's state change.
		_ = m.orc.Submit(context.Background(), text)
		return nil
	}
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 4
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.sized {
			m.vp = viewport.New(m.width, vpHeight)
			m.sized = true
		} else {
			m.vp.Width = m.width
			m.vp.Height = vpHeight
		}
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelSub()
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.SetValue("")
			return m, m.submit(text)
		}

	case startedMsg:
		m.startErr = msg.err
		m.refreshTranscript()
		return m, nil

	case transcriptChangedMsg:
		m.refreshTranscript()
		return m, m.waitForChange

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *uiModel) refreshTranscript() {
	if !m.sized {
		return
	}
	m.vp.SetContent(m.renderTranscript())
	m.vp.GotoBottom()
}

func (m *uiModel) renderTranscript() string {
	messages := m.orc.Messages()
	if len(messages) == 0 {
		return statusStyle.Render("Inicia conversación para interactuar con el tutor.")
	}

	body := lipgloss.NewStyle().Width(maxInt(m.width-2, 20))
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		label := assistantStyle.Render("Tutor")
		if msg.Role == chat.RoleUser {
			label = userStyle.Render("Estudiante")
		}
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(body.Render(msg.PlainText()))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *uiModel) statusLine() string {
	if m.startErr != nil {
		return errorStyle.Render("No se pudo iniciar la conversación: " + m.startErr.Error())
	}
	if err := m.orc.LastError(); err != nil {
		if !errors.Is(err, chat.ErrEmptyInput) && !errors.Is(err, chat.ErrTurnActive) {
			return errorStyle.Render("El asistente no pudo completar la solicitud.")
		}
	}

	switch m.orc.State() {
	case chat.StateIdle, chat.StateAwaitingThread:
		return statusStyle.Render(m.spin.View() + " conectando…")
	case chat.StateSubmitting:
		return statusStyle.Render(m.spin.View() + " enviando…")
	case chat.StateStreaming:
		return statusStyle.Render(m.spin.View() + " el tutor está escribiendo…")
	case chat.StatePolling:
		return statusStyle.Render(m.spin.View() + " esperando la respuesta…")
	}
	return statusStyle.Render("listo · enter envía · esc sale")
}

func (m *uiModel) View() string {
	if !m.sized {
		return "cargando…"
	}
	return fmt.Sprintf("%s\n%s\n%s", m.vp.View(), m.statusLine(), m.input.View())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
