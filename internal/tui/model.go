// Package tui is the terminal client: one pane per model, filled live from the
// multiplexed stream.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"polychat/internal/client"
	"polychat/internal/models"
	"polychat/internal/protocol"
	"polychat/internal/reassembler"
	"polychat/internal/roles"
)

// API is the part of the server client the terminal UI uses.
type API interface {
	Chat(ctx context.Context, p client.ChatParams, onFrame func(protocol.Frame) error) error
	Synthesis(ctx context.Context, p client.SynthesisParams, onFrame func(protocol.Frame) error) error
	Catchup(ctx context.Context, p client.CatchupParams, onFrame func(protocol.Frame) error) error
	PutSettings(ctx context.Context, conversationID string, p client.SettingsParams) error
}

// Options configure the terminal client.
type Options struct {
	API    API
	Models []string
	// Export fetches a conversation export; nil exports the local mirror.
	Export func(ctx context.Context, conversationID string) (any, error)
}

type frameMsg struct{ frame protocol.Frame }

type streamEndMsg struct{ err error }

type statusMsg struct {
	text string
	err  error
}

// Model is the bubbletea model of the chat client.
type Model struct {
	api    API
	export func(ctx context.Context, conversationID string) (any, error)

	targets []string
	panes   map[string]*viewport.Model
	r       *reassembler.Reassembler

	roles         map[string]roles.Role
	globalContext string

	input   textinput.Model
	spinner spinner.Model
	theme   theme

	inbound chan tea.Msg
	cancel  context.CancelFunc

	width  int
	height int
	status string
	failed bool
}

// New builds the model.
func New(opts Options) *Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Ask every model at once. /help lists commands."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		api:     opts.API,
		export:  opts.Export,
		panes:   make(map[string]*viewport.Model),
		r:       reassembler.New(nil),
		roles:   make(map[string]roles.Role),
		input:   input,
		spinner: sp,
		theme:   newTheme(),
		status:  "ready",
	}
	m.setTargets(opts.Models)
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case frameMsg:
		m.applyFrame(msg.frame)
		cmds = append(cmds, waitMsg(m.inbound))
	case streamEndMsg:
		m.endStream(msg.err)
	case statusMsg:
		m.setStatus(msg.text, msg.err)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.stopStream()
			return m, tea.Quit
		case "esc":
			if m.streaming() {
				m.stopStream()
				m.setStatus("canceling...", nil)
			}
			return m, nil
		case "enter":
			line := m.input.Value()
			m.input.SetValue("")
			return m, m.submit(line)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m *Model) View() string {
	header := m.theme.header.Render(m.headerText())

	columns := make([]string, 0, len(m.targets))
	for _, target := range m.targets {
		columns = append(columns, m.renderPane(target))
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, columns...)

	statusStyle := m.theme.status
	if m.failed {
		statusStyle = m.theme.errorStatus
	}
	status := m.status
	if m.streaming() {
		status = m.spinner.View() + " " + status
	}
	footer := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.inputPanel.Width(max(20, m.width-2)).Render(m.input.View()),
		statusStyle.Render(status),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *Model) submit(line string) tea.Cmd {
	cmd, isCommand, err := ParseCommand(line)
	if err != nil {
		m.setStatus(err.Error(), err)
		return nil
	}
	if !isCommand {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		return m.sendPrompt(line)
	}

	switch cmd.Name {
	case "/quit", "/exit":
		m.stopStream()
		return tea.Quit
	case "/help":
		m.setStatus(strings.ReplaceAll(commandHelp, "\n", " · "), nil)
	case "/new":
		if m.streaming() {
			m.setStatus("wait for the current dispatch to finish", errors.New("busy"))
			return nil
		}
		m.r.Reset()
		m.renderPanes()
		m.setStatus("new conversation", nil)
	case "/models":
		m.setTargets(cmd.Models)
		m.resize()
		m.renderPanes()
		m.setStatus("models: "+strings.Join(m.targets, ", "), nil)
	case "/pause":
		m.r.Pause(cmd.Models[0])
		m.renderPanes()
		m.setStatus("paused "+cmd.Models[0], nil)
	case "/resume":
		m.r.Resume(cmd.Models[0])
		m.renderPanes()
		m.setStatus("listening to "+cmd.Models[0], nil)
	case "/role":
		if cmd.Role == roles.Neutral {
			delete(m.roles, cmd.Models[0])
		} else {
			m.roles[cmd.Models[0]] = cmd.Role
		}
		return m.pushSettings(fmt.Sprintf("%s is now %s", cmd.Models[0], cmd.Role.Title()))
	case "/context":
		m.globalContext = cmd.Text
		if cmd.Text == "" {
			return m.pushSettings("global context cleared")
		}
		return m.pushSettings("global context set")
	case "/synth":
		return m.synthesize(cmd)
	case "/catchup":
		return m.catchup(cmd)
	case "/export":
		return m.exportConversation(cmd.Text)
	}
	return nil
}

func (m *Model) sendPrompt(text string) tea.Cmd {
	params := client.ChatParams{
		Message:        text,
		Models:         append([]string(nil), m.targets...),
		ConversationID: m.conversationID(),
		Paused:         m.r.Paused(),
		Roles:          m.roleNames(),
	}
	if m.globalContext != "" {
		params.GlobalContext = &m.globalContext
	}
	return m.startStream("asking "+strings.Join(m.targets, ", "), func(ctx context.Context, on func(protocol.Frame) error) error {
		return m.api.Chat(ctx, params, on)
	})
}

func (m *Model) synthesize(cmd Command) tea.Cmd {
	ids, err := m.messageIDs(cmd.Ordinals)
	if err != nil {
		m.setStatus(err.Error(), err)
		return nil
	}
	m.addTargets(cmd.Models)
	params := client.SynthesisParams{
		ConversationID:   m.conversationID(),
		SelectedMessages: ids,
		TargetModels:     cmd.Models,
		SynthesisPrompt:  cmd.Instruction,
	}
	return m.startStream("synthesizing", func(ctx context.Context, on func(protocol.Frame) error) error {
		return m.api.Synthesis(ctx, params, on)
	})
}

func (m *Model) catchup(cmd Command) tea.Cmd {
	var ids []string
	if len(cmd.Ordinals) > 0 {
		var err error
		if ids, err = m.messageIDs(cmd.Ordinals); err != nil {
			m.setStatus(err.Error(), err)
			return nil
		}
	}
	m.addTargets(cmd.Models)
	params := client.CatchupParams{
		ConversationID: m.conversationID(),
		NewModels:      cmd.Models,
		MessageIDs:     ids,
	}
	return m.startStream("catching up "+strings.Join(cmd.Models, ", "), func(ctx context.Context, on func(protocol.Frame) error) error {
		return m.api.Catchup(ctx, params, on)
	})
}

// startStream runs fn in the background and feeds its frames into Update through
// m.inbound.
func (m *Model) startStream(label string, fn func(ctx context.Context, on func(protocol.Frame) error) error) tea.Cmd {
	if m.streaming() {
		m.setStatus("a dispatch is already streaming, press esc to cancel it", errors.New("busy"))
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan tea.Msg, 64)
	m.cancel = cancel
	m.inbound = inbound
	m.setStatus(label, nil)

	go func() {
		defer close(inbound)
		err := fn(ctx, func(f protocol.Frame) error {
			select {
			case inbound <- frameMsg{frame: f}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		inbound <- streamEndMsg{err: err}
	}()
	return waitMsg(inbound)
}

func waitMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) applyFrame(f protocol.Frame) {
	update, err := m.r.Apply(f)
	if err != nil {
		m.setStatus("stream: "+err.Error(), err)
		return
	}
	if update.Kind == protocol.EventConversation {
		m.addTargets(f.Targets)
		m.resize()
	}
	m.renderPanes()
}

func (m *Model) endStream(err error) {
	m.cancel = nil
	m.inbound = nil
	switch {
	case err == nil:
		m.setStatus("done", nil)
	case errors.Is(err, context.Canceled):
		m.r.Fail()
		m.setStatus("canceled", nil)
	default:
		m.r.Fail()
		m.setStatus(err.Error(), err)
	}
	m.renderPanes()
}

func (m *Model) stopStream() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Model) streaming() bool {
	return m.cancel != nil
}

func (m *Model) pushSettings(done string) tea.Cmd {
	id := m.conversationID()
	if id == "" || m.api == nil {
		m.setStatus(done+" (applies to the next prompt)", nil)
		return nil
	}
	params := client.SettingsParams{Roles: m.roleNames(), GlobalContext: &m.globalContext}
	api := m.api
	return func() tea.Msg {
		if err := api.PutSettings(context.Background(), id, params); err != nil {
			return statusMsg{text: "settings: " + err.Error(), err: err}
		}
		return statusMsg{text: done}
	}
}

func (m *Model) exportConversation(path string) tea.Cmd {
	conv := m.r.Conversation()
	if conv == nil || conv.ID() == "" {
		m.setStatus("nothing to export yet", errors.New("empty"))
		return nil
	}
	if path == "" {
		path = conv.ID() + ".json"
	}
	fetch := m.export
	return func() tea.Msg {
		var payload any = conv.Export()
		if fetch != nil {
			remote, err := fetch(context.Background(), conv.ID())
			if err != nil {
				return statusMsg{text: "export: " + err.Error(), err: err}
			}
			payload = remote
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return statusMsg{text: "export: " + err.Error(), err: err}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return statusMsg{text: "export: " + err.Error(), err: err}
		}
		return statusMsg{text: "exported to " + path}
	}
}

func (m *Model) messageIDs(ordinals []int) ([]string, error) {
	conv := m.r.Conversation()
	if conv == nil {
		return nil, errors.New("no conversation yet")
	}
	ids := make([]string, 0, len(ordinals))
	for _, n := range ordinals {
		msg, ok := conv.ByOrdinal(n)
		if !ok {
			return nil, fmt.Errorf("no message #%d", n)
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

func (m *Model) conversationID() string {
	if conv := m.r.Conversation(); conv != nil {
		return conv.ID()
	}
	return ""
}

func (m *Model) roleNames() map[string]string {
	if len(m.roles) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.roles))
	for model, role := range m.roles {
		out[model] = string(role)
	}
	return out
}

func (m *Model) setTargets(targets []string) {
	m.targets = nil
	m.addTargets(targets)
}

func (m *Model) addTargets(targets []string) {
	for _, t := range targets {
		if _, ok := m.panes[t]; !ok {
			vp := viewport.New(0, 0)
			m.panes[t] = &vp
		}
		found := false
		for _, existing := range m.targets {
			if existing == t {
				found = true
				break
			}
		}
		if !found {
			m.targets = append(m.targets, t)
		}
	}
}

func (m *Model) setStatus(text string, err error) {
	m.status = text
	m.failed = err != nil
}

func (m *Model) resize() {
	if len(m.targets) == 0 || m.width == 0 {
		return
	}
	paneWidth := max(16, m.width/len(m.targets)-2)
	paneHeight := max(4, m.height-8)
	for _, t := range m.targets {
		vp := m.panes[t]
		vp.Width = paneWidth - 2
		vp.Height = paneHeight - 2
	}
}

func (m *Model) renderPanes() {
	for _, t := range m.targets {
		vp := m.panes[t]
		vp.SetContent(m.paneContent(t, max(10, vp.Width)))
		vp.GotoBottom()
	}
}

func (m *Model) paneContent(target string, width int) string {
	var b strings.Builder
	for _, msg := range m.r.Timeline(target) {
		label := "…"
		if msg.Ordinal > 0 {
			label = fmt.Sprintf("#%d", msg.Ordinal)
		}
		b.WriteString(m.theme.ordinal.Render(label))
		b.WriteString(" ")
		switch msg.State.Kind() {
		case models.StateFinalWithError:
			b.WriteString(msg.Content)
			b.WriteString(m.theme.errorStatus.Render("[" + string(msg.State.Failure().Kind) + "] " + msg.State.Failure().Message))
		default:
			b.WriteString(msg.Content)
		}
		b.WriteString("\n\n")
	}
	if n := m.r.Discarded(target); n > 0 {
		b.WriteString(m.theme.muted.Render(fmt.Sprintf("(%d chunks dropped while paused)", n)))
	}
	return lipgloss.NewStyle().Width(width).Render(b.String())
}

func (m *Model) renderPane(target string) string {
	title := target
	if role, ok := m.roles[target]; ok {
		title += " · " + role.Title()
	}
	if m.r.IsPaused(target) {
		title += " · paused"
	}
	vp := m.panes[target]
	return m.theme.panel.Render(m.theme.panelTitle.Render(title) + "\n" + vp.View())
}

func (m *Model) headerText() string {
	conv := m.r.Conversation()
	if conv == nil {
		return "polychat · new conversation"
	}
	var last string
	for _, msg := range conv.Messages() {
		if msg.Role == models.RoleUser {
			last = fmt.Sprintf("#%d %s", msg.Ordinal, msg.Content)
		}
	}
	if len(last) > 120 {
		last = last[:117] + "..."
	}
	title := conv.Title()
	if title == "" {
		title = conv.ID()
	}
	return "polychat · " + title + "\n" + last
}
