package chat

import (
	"context"
	"fmt"
	"strings"

	"teamsrelay/pkg/client"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleNotice    = "notice"
	roleError     = "error"
)

type chatMessage struct {
	role      string
	content   string
	requestID string
}

type askResultMsg struct {
	result client.Result
	err    error
}

// counters tracks how the relay answered this console session.
type counters struct {
	ok       int
	accepted int
	failed   int
}

type model struct {
	ctx          context.Context
	askFn        AskFunc
	mode         mode
	oneShotInput string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	followLog bool
	session   SessionInfo
	counts    counters
}

func newModel(ctx context.Context, askFn AskFunc, runMode mode, prompt string, info SessionInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("104"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Message the assistant..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:          ctx,
		askFn:        askFn,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		followLog:    true,
		session:      info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		return m.submit(m.oneShotInput)
	}
	return textinput.Blink
}

func (m *model) submit(prompt string) tea.Cmd {
	m.lastErr = ""
	m.messages = append(m.messages, chatMessage{role: roleUser, content: prompt})
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, askCmd(m.ctx, m.askFn, prompt))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		if m.mode == modeInteractive {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.mode == modeOneShot {
			return m, nil
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if isExitCommand(prompt) {
				return m, tea.Quit
			}
			m.input.SetValue("")
			return m, m.submit(prompt)
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case askResultMsg:
		m.isLoading = false
		m.record(typed.result, typed.err)
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

// record turns a relay answer into a transcript card.
func (m *model) record(result client.Result, err error) {
	switch {
	case err != nil || result.Status == client.StatusError:
		m.counts.failed++
		text := result.Error
		if text == "" && err != nil {
			text = err.Error()
		}
		m.lastErr = text
		m.messages = append(m.messages, chatMessage{role: roleError, content: text, requestID: result.RequestID})
	case result.Status == client.StatusAccepted:
		m.counts.accepted++
		m.lastErr = ""
		m.messages = append(m.messages, chatMessage{role: roleNotice, content: result.Reply(), requestID: result.RequestID})
	default:
		m.counts.ok++
		m.lastErr = ""
		m.messages = append(m.messages, chatMessage{role: roleAssistant, content: result.Reply(), requestID: result.RequestID})
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}

	header := m.theme.header.Width(m.width - 2).Render("Teams Relay Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"relay:%s · chat:%s · turns:%d · ok/accepted/failed:%d/%d/%d",
		displayOrNA(m.session.Endpoint),
		displayOrNA(m.session.ChatID),
		conversationTurns(m.messages),
		m.counts.ok,
		m.counts.accepted,
		m.counts.failed,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", maxInt(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End latest · Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for the relay...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last request failed, try again")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := maxInt(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}

	m.viewport.Width = w
	m.viewport.Height = maxInt(8, h)
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.messages))
	for _, item := range m.messages {
		sections = append(sections, m.renderMessage(item, m.viewport.Width))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := maxInt(0, m.viewport.TotalLineCount()-m.viewport.Height)
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderMessage(item chatMessage, width int) string {
	body := strings.TrimSpace(item.content)
	if item.requestID != "" && item.role != roleUser {
		body += "\n\n" + m.theme.hint.Render("request_id "+item.requestID)
	}

	var title string
	var box lipgloss.Style
	switch item.role {
	case roleUser:
		title, box = m.theme.userTitle.Render("you"), m.theme.userBox
	case roleAssistant:
		title, box = m.theme.assistantTitle.Render("assistant"), m.theme.assistantBox
	case roleNotice:
		title, box = m.theme.noticeTitle.Render("accepted"), m.theme.noticeBox
	default:
		title, box = m.theme.errorTitle.Render("error"), m.theme.errorBox
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, box.Width(width).Render(body))
}

func (m *model) oneShotView() string {
	contentWidth := maxInt(40, m.width-6)
	parts := make([]string, 0, len(m.messages)+1)
	for _, item := range m.messages {
		parts = append(parts, m.renderMessage(item, contentWidth))
	}
	if m.isLoading {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for the relay...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

// handleViewportMouse scrolls on wheel events; following resumes once the
// bottom is reached again.
func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		m.followLog = m.viewport.AtBottom()
		return true
	default:
		return false
	}
}

func askCmd(ctx context.Context, askFn AskFunc, prompt string) tea.Cmd {
	return func() tea.Msg {
		result, err := askFn(ctx, prompt)
		return askResultMsg{result: result, err: err}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func displayOrNA(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "n/a"
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == roleUser {
			count++
		}
	}
	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
