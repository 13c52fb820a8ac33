package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"polychat/internal/client"
	"polychat/internal/models"
	"polychat/internal/protocol"
	"polychat/internal/roles"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		command bool
		wantErr bool
		check   func(Command) bool
	}{
		{line: "hello there", command: false},
		{line: "/models gpt-5.2, claude-sonnet-4-5", command: true, check: func(c Command) bool {
			return len(c.Models) == 2 && c.Models[1] == "claude-sonnet-4-5"
		}},
		{line: "/synth 2,#3 gpt-5.2 compare these", command: true, check: func(c Command) bool {
			return len(c.Ordinals) == 2 && c.Ordinals[1] == 3 && c.Models[0] == "gpt-5.2" && c.Instruction == "compare these"
		}},
		{line: "/catchup grok-3", command: true, check: func(c Command) bool {
			return c.Models[0] == "grok-3" && c.Ordinals == nil
		}},
		{line: "/catchup grok-3 1,2", command: true, check: func(c Command) bool {
			return len(c.Ordinals) == 2
		}},
		{line: "/role gpt-5.2 Skeptic", command: true, check: func(c Command) bool {
			return c.Role == roles.Skeptic && c.Models[0] == "gpt-5.2"
		}},
		{line: "/context  answer for children ", command: true, check: func(c Command) bool {
			return c.Text == "answer for children"
		}},
		{line: "/context", command: true, check: func(c Command) bool { return c.Text == "" }},
		{line: "/PAUSE grok-3", command: true, check: func(c Command) bool { return c.Name == "/pause" }},
		{line: "/synth 2", command: true, wantErr: true},
		{line: "/synth x gpt-5.2", command: true, wantErr: true},
		{line: "/synth 0 gpt-5.2", command: true, wantErr: true},
		{line: "/role gpt-5.2 pirate", command: true, wantErr: true},
		{line: "/pause", command: true, wantErr: true},
		{line: "/dance", command: true, wantErr: true},
	}
	for _, tt := range tests {
		cmd, ok, err := ParseCommand(tt.line)
		if ok != tt.command {
			t.Fatalf("%q: command = %v", tt.line, ok)
		}
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.line, err)
		}
		if tt.check != nil && !tt.check(cmd) {
			t.Fatalf("%q: parsed %+v", tt.line, cmd)
		}
	}

	if _, _, err := ParseCommand("/pause"); !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

type fakeAPI struct {
	mu       sync.Mutex
	frames   []protocol.Frame
	chats    []client.ChatParams
	settings []client.SettingsParams
}

func (f *fakeAPI) Chat(_ context.Context, p client.ChatParams, on func(protocol.Frame) error) error {
	f.mu.Lock()
	f.chats = append(f.chats, p)
	f.mu.Unlock()
	for _, fr := range f.frames {
		if err := on(fr); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAPI) Synthesis(context.Context, client.SynthesisParams, func(protocol.Frame) error) error {
	return nil
}

func (f *fakeAPI) Catchup(context.Context, client.CatchupParams, func(protocol.Frame) error) error {
	return nil
}

func (f *fakeAPI) PutSettings(_ context.Context, _ string, p client.SettingsParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, p)
	return nil
}

// run feeds the messages of cmd back into the model until the stream ends.
func run(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	for i := 0; cmd != nil && i < 100; i++ {
		switch msg := cmd().(type) {
		case frameMsg, statusMsg:
			m.Update(msg)
		case streamEndMsg:
			m.Update(msg)
			return
		default:
			return
		}
		cmd = waitMsg(m.inbound)
	}
}

func TestPromptStreamsIntoPanes(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{frames: []protocol.Frame{
		{Event: protocol.EventConversation, ConversationID: "c1", DispatchID: "d1", PromptID: "p1", PromptOrdinal: 1, Prompt: "hi", Targets: []string{"gpt-5.2", "claude-sonnet-4-5"}},
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Content: "Hello"}),
		protocol.FromDelta(models.DeltaEvent{Provider: "claude-sonnet-4-5", MessageID: "a1", Ordinal: 3, Final: true, Err: models.NewProviderError(models.ErrorKindCredentials, "bad key")}),
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Ordinal: 2, Final: true}),
		{Event: protocol.EventDone},
	}}
	m := New(Options{API: api, Models: []string{"gpt-5.2", "claude-sonnet-4-5"}})
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	m.r.Pause("grok-3")
	run(t, m, m.submit("hi"))

	if m.streaming() {
		t.Fatal("stream still marked active")
	}
	if len(api.chats) != 1 || api.chats[0].Paused[0] != "grok-3" {
		t.Fatalf("chat params = %+v", api.chats)
	}
	if got := m.paneContent("gpt-5.2", 80); !strings.Contains(got, "#2") || !strings.Contains(got, "Hello") {
		t.Fatalf("gpt pane = %q", got)
	}
	if got := m.paneContent("claude-sonnet-4-5", 80); !strings.Contains(got, "bad key") {
		t.Fatalf("claude pane = %q", got)
	}
	if m.conversationID() != "c1" {
		t.Fatalf("conversation = %q", m.conversationID())
	}

	ids, err := m.messageIDs([]int{2})
	if err != nil || ids[0] != "g1" {
		t.Fatalf("messageIDs = %v, %v", ids, err)
	}
	if _, err := m.messageIDs([]int{9}); err == nil {
		t.Fatal("expected error for unknown ordinal")
	}
}

func TestRoleCommandPushesSettings(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{frames: []protocol.Frame{
		{Event: protocol.EventConversation, ConversationID: "c1", DispatchID: "d1", PromptID: "p1", PromptOrdinal: 1, Prompt: "hi", Targets: []string{"gpt-5.2"}},
		{Event: protocol.EventDone},
	}}
	m := New(Options{API: api, Models: []string{"gpt-5.2"}})

	if cmd := m.submit("/role gpt-5.2 skeptic"); cmd != nil {
		t.Fatal("settings must not be pushed before a conversation exists")
	}
	run(t, m, m.submit("hi"))
	if api.chats[0].Roles["gpt-5.2"] != "skeptic" {
		t.Fatalf("roles = %v", api.chats[0].Roles)
	}

	cmd := m.submit("/context kids")
	if cmd == nil {
		t.Fatal("expected a settings command")
	}
	if msg, ok := cmd().(statusMsg); !ok || msg.err != nil {
		t.Fatalf("status = %+v", msg)
	}
	if len(api.settings) != 1 || *api.settings[0].GlobalContext != "kids" || api.settings[0].Roles["gpt-5.2"] != "skeptic" {
		t.Fatalf("settings = %+v", api.settings)
	}
}
