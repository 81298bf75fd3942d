// Package tui is the terminal chat client: a transcript that reveals
// assistant replies as they arrive, a text input, and a transient error
// banner.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/optimizer"
	"github.com/vango-go/vai-clone/pkg/reveal"
	"github.com/vango-go/vai-clone/pkg/session"
	"github.com/vango-go/vai-clone/pkg/telemetry"
)

// minConnectHeight is the terminal height at which the call controls count
// as fully visible.
const minConnectHeight = 12

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	statusOnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusOffStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Session is the part of *session.Adapter the client drives.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendTextMessage(ctx context.Context, text string) error
	Messages() []session.Message
}

// Config wires a Model.
type Config struct {
	Session Session
	Inbox   *Inbox

	// Element receives focus, key and resize signals as intent triggers.
	Element  *optimizer.Element
	Recorder *telemetry.Recorder
	Clock    clockwork.Clock

	RevealSpeed time.Duration
	BannerTTL   time.Duration
	Title       string
}

type entry struct {
	msg      session.Message
	revealed string
	done     bool
}

type connectDoneMsg struct{ err error }

type sendDoneMsg struct{ err error }

type Model struct {
	ctx      context.Context
	session  Session
	inbox    *Inbox
	element  *optimizer.Element
	recorder *telemetry.Recorder
	clock    clockwork.Clock
	speed    time.Duration
	title    string

	banner *Banner
	active *reveal.Engine
	// activeID is the message the engine is revealing.
	activeID string

	entries    []entry
	state      session.State
	connected  bool
	connecting bool
	showStats  bool
	touched    bool

	width    int
	height   int
	input    textinput.Model
	viewport viewport.Model
	keys     keyMap
	help     help.Model
}

func New(ctx context.Context, cfg Config) Model {
	if ctx == nil {
		ctx = context.Background()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	inbox := cfg.Inbox
	if inbox == nil {
		inbox = NewInbox(0)
	}
	speed := cfg.RevealSpeed
	if speed <= 0 {
		speed = reveal.DefaultSpeed
	}
	title := cfg.Title
	if title == "" {
		title = "Digital Clone"
	}

	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Focus()

	return Model{
		ctx:      ctx,
		session:  cfg.Session,
		inbox:    inbox,
		element:  cfg.Element,
		recorder: cfg.Recorder,
		clock:    clock,
		speed:    speed,
		title:    title,
		banner:   NewBanner(clock, cfg.BannerTTL, func() { inbox.offer(bannerMsg{}) }),
		input:    input,
		viewport: viewport.New(0, 0),
		keys:     defaultKeyMap,
		help:     help.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.inbox.wait())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		if m.element != nil {
			m.element.SetVisibility(visibilityRatio(msg.Height))
		}

	case tea.FocusMsg:
		if m.element != nil {
			m.element.PointerEnter()
		}

	case tea.KeyMsg:
		if !m.touched && m.element != nil {
			m.touched = true
			m.element.TouchStart()
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.shutdown()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Connect):
			if cmd := m.connect(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		case key.Matches(msg, m.keys.Disconnect):
			cmds = append(cmds, m.disconnect())
		case key.Matches(msg, m.keys.Skip):
			if m.active != nil {
				m.active.Finish()
			}
		case key.Matches(msg, m.keys.Stats):
			m.showStats = !m.showStats
		case key.Matches(msg, m.keys.Send):
			if cmd := m.send(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}

	case connectDoneMsg:
		m.connecting = false

	case sendDoneMsg:
		if msg.err != nil && core.TypeOf(msg.err) == core.ErrInvalidRequest {
			m.banner.Show(errorText(msg.err))
		}

	case sessionMessageMsg:
		m.addMessage(msg.msg)
		cmds = append(cmds, m.inbox.wait())

	case revealUpdateMsg:
		m.applyReveal(msg.id, msg.state.Revealed, false)
		cmds = append(cmds, m.inbox.wait())

	case revealDoneMsg:
		m.applyReveal(msg.id, "", true)
		cmds = append(cmds, m.inbox.wait())

	case sessionErrorMsg:
		m.banner.Show(errorText(msg.err))
		cmds = append(cmds, m.inbox.wait())

	case sessionStateMsg:
		m.state = msg.state
		cmds = append(cmds, m.inbox.wait())

	case connectionMsg:
		m.connected = msg.connected
		if !msg.connected {
			m.state = session.State{}
			m.syncTranscript()
		}
		cmds = append(cmds, m.inbox.wait())

	case bannerMsg:
		cmds = append(cmds, m.inbox.wait())

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.refreshViewport()
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if text := m.banner.Text(); text != "" {
		b.WriteString(errStyle.Render("! " + text))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// Banner exposes the error banner.
func (m Model) Banner() *Banner { return m.banner }

func (m *Model) connect() tea.Cmd {
	if m.session == nil || m.connecting || m.connected {
		return nil
	}
	m.connecting = true
	ctx, sess := m.ctx, m.session
	return func() tea.Msg {
		// Failures also arrive through the session's error callback.
		return connectDoneMsg{err: sess.Connect(ctx)}
	}
}

func (m *Model) disconnect() tea.Cmd {
	m.stopReveal()
	if m.session == nil {
		return nil
	}
	ctx, sess := m.ctx, m.session
	return func() tea.Msg {
		_ = sess.Disconnect(ctx)
		return nil
	}
}

func (m *Model) send() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.session == nil {
		return nil
	}
	m.input.Reset()
	ctx, sess := m.ctx, m.session
	return func() tea.Msg {
		return sendDoneMsg{err: sess.SendTextMessage(ctx, text)}
	}
}

func (m *Model) addMessage(msg session.Message) {
	for _, e := range m.entries {
		if e.msg.ID == msg.ID {
			return
		}
	}
	if msg.Role != session.RoleAssistant {
		m.entries = append(m.entries, entry{msg: msg, revealed: msg.Content, done: true})
		return
	}

	// One reveal at a time: the previous reply is shown in full.
	m.stopReveal()
	m.entries = append(m.entries, entry{msg: msg})
	id, inbox := msg.ID, m.inbox
	m.activeID = id
	m.active = reveal.New(
		reveal.WithClock(m.clock),
		reveal.WithSpeed(m.speed),
		reveal.WithOnUpdate(func(s reveal.State) { inbox.push(revealUpdateMsg{id: id, state: s}) }),
		reveal.WithOnComplete(func() { inbox.push(revealDoneMsg{id: id}) }),
	)
	m.active.SetText(msg.Content)
}

func (m *Model) applyReveal(id, revealed string, done bool) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.msg.ID != id || e.done {
			continue
		}
		if done {
			e.revealed = e.msg.Content
			e.done = true
			if id == m.activeID {
				m.active.Close()
				m.active = nil
				m.activeID = ""
			}
			return
		}
		if len(revealed) > len(e.revealed) {
			e.revealed = revealed
		}
		return
	}
}

// stopReveal completes the in-flight reveal immediately.
func (m *Model) stopReveal() {
	if m.active == nil {
		return
	}
	m.active.Close()
	for i := range m.entries {
		if m.entries[i].msg.ID == m.activeID {
			m.entries[i].revealed = m.entries[i].msg.Content
			m.entries[i].done = true
		}
	}
	m.active = nil
	m.activeID = ""
}

// syncTranscript drops entries the session no longer holds.
func (m *Model) syncTranscript() {
	if m.session == nil {
		return
	}
	keep := make(map[string]struct{})
	for _, msg := range m.session.Messages() {
		keep[msg.ID] = struct{}{}
	}
	out := m.entries[:0]
	for _, e := range m.entries {
		if _, ok := keep[e.msg.ID]; ok {
			out = append(out, e)
		}
	}
	m.entries = out
	if m.activeID != "" {
		if _, ok := keep[m.activeID]; !ok {
			m.active.Close()
			m.active = nil
			m.activeID = ""
		}
	}
}

func (m *Model) shutdown() {
	m.stopReveal()
	m.banner.Stop()
	m.inbox.Close()
}

func (m *Model) layout() {
	m.input.Width = max(10, m.width-4)
	m.viewport.Width = m.width
	// header, banner, input, help
	m.viewport.Height = max(1, m.height-5)
	m.help.Width = m.width
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom || m.activeID != "" {
		m.viewport.GotoBottom()
	}
}

func (m Model) renderHeader() string {
	status := statusOffStyle.Render("disconnected")
	switch {
	case m.connecting:
		status = statusOffStyle.Render("connecting...")
	case m.connected:
		parts := []string{"connected"}
		if m.state.Listening {
			parts = append(parts, "listening")
		}
		if m.state.Processing {
			parts = append(parts, "thinking")
		}
		if m.state.Speaking {
			parts = append(parts, "speaking")
		}
		status = statusOnStyle.Render(strings.Join(parts, " · "))
	}
	return headerStyle.Render(m.title) + "  " + status
}

func (m Model) renderTranscript() string {
	var b strings.Builder
	if len(m.entries) == 0 {
		b.WriteString(dimStyle.Render("Press ctrl+o to start a conversation."))
		b.WriteString("\n")
	}
	for _, e := range m.entries {
		label := userStyle.Render("You")
		if e.msg.Role == session.RoleAssistant {
			label = assistantStyle.Render("Clone")
		}
		text := e.revealed
		if !e.done {
			text += "▌"
		}
		b.WriteString(label + dimStyle.Render(" "+e.msg.Timestamp.Format("15:04")) + "\n")
		b.WriteString(wrap(text, m.width) + "\n\n")
	}
	if m.showStats {
		b.WriteString(m.renderStats())
	}
	return b.String()
}

func (m Model) renderStats() string {
	if m.recorder == nil {
		return dimStyle.Render("timings unavailable") + "\n"
	}
	summary := m.recorder.Summary()
	var b strings.Builder
	b.WriteString(headerStyle.Render("Connection timings") + "\n")
	if len(summary.Operations) == 0 {
		b.WriteString(dimStyle.Render("no completed operations") + "\n")
		return b.String()
	}
	for _, op := range summary.Operations {
		fmt.Fprintf(&b, "  %-30s %6dms %5.1f%%\n", op.Name, op.Duration.Milliseconds(), op.Percentage)
	}
	fmt.Fprintf(&b, "  %-30s %6dms\n", "total", summary.Total.Milliseconds())
	metrics := telemetry.MetricsFromTimings(telemetry.DeviceDesktop, m.recorder.Durations())
	for _, issue := range telemetry.AnalyzeBottlenecks(metrics) {
		b.WriteString(errStyle.Render("  "+issue) + "\n")
	}
	return b.String()
}

func visibilityRatio(height int) float64 {
	if height <= 0 {
		return 0
	}
	if height >= minConnectHeight {
		return 1
	}
	return float64(height) / float64(minConnectHeight)
}

func errorText(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	if err == nil {
		return "Conversation error occurred"
	}
	return err.Error()
}

func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}

// Run starts the client on the terminal and blocks until it exits.
func Run(ctx context.Context, cfg Config) error {
	m := New(ctx, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
	final, err := p.Run()
	if fm, ok := final.(Model); ok {
		fm.shutdown()
	} else {
		m.shutdown()
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
