package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"teamsrelay/pkg/client"
)

func TestRecordMapsRelayStatuses(t *testing.T) {
	m := newModel(context.Background(), nil, modeInteractive, "", SessionInfo{})

	m.record(client.Result{Status: client.StatusOK, Content: "hello", RequestID: "req_1"}, nil)
	m.record(client.Result{Status: client.StatusAccepted, RequestID: "req_2"}, nil)
	m.record(client.Result{Status: client.StatusError, RequestID: "req_3", Error: "relay returned 401: unauthorized"}, errors.New("relay returned 401: unauthorized"))

	if len(m.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(m.messages))
	}
	wantRoles := []string{roleAssistant, roleNotice, roleError}
	for i, want := range wantRoles {
		if m.messages[i].role != want {
			t.Fatalf("message %d role = %q, want %q", i, m.messages[i].role, want)
		}
	}
	if m.messages[1].content != client.AcceptedReply {
		t.Fatalf("accepted content = %q", m.messages[1].content)
	}
	if m.counts != (counters{ok: 1, accepted: 1, failed: 1}) {
		t.Fatalf("counts = %+v", m.counts)
	}
	if !strings.Contains(m.lastErr, "401") {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestEnterSubmitsPrompt(t *testing.T) {
	var asked []string
	askFn := func(_ context.Context, prompt string) (client.Result, error) {
		asked = append(asked, prompt)
		return client.Result{Status: client.StatusOK, Content: "pong", RequestID: "req_1"}, nil
	}
	m := newModel(context.Background(), askFn, modeInteractive, "", SessionInfo{ChatID: "local"})
	m.input.SetValue("  ping ")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a command after enter")
	}
	if !m.isLoading {
		t.Fatal("expected loading state after submit")
	}
	if m.input.Value() != "" {
		t.Fatalf("input = %q, want cleared", m.input.Value())
	}

	result := askCmd(context.Background(), askFn, "ping")()
	m.Update(result)
	if m.isLoading {
		t.Fatal("expected loading to end after result")
	}
	if len(asked) != 1 || asked[0] != "ping" {
		t.Fatalf("asked = %v", asked)
	}
	last := m.messages[len(m.messages)-1]
	if last.role != roleAssistant || last.content != "pong" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestEnterIgnoredWhileLoading(t *testing.T) {
	m := newModel(context.Background(), nil, modeInteractive, "", SessionInfo{})
	m.isLoading = true
	m.input.SetValue("second")

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatal("expected no command while a request is in flight")
	}
	if len(m.messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(m.messages))
	}
}

func TestOneShotQuitsAfterAnswer(t *testing.T) {
	m := newModel(context.Background(), nil, modeOneShot, "hello", SessionInfo{})
	m.isLoading = true

	_, cmd := m.Update(askResultMsg{result: client.Result{Status: client.StatusOK, Content: "hi"}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
	if !strings.Contains(m.View(), "hi") {
		t.Fatal("expected answer in one-shot view")
	}
}

func TestIsExitCommand(t *testing.T) {
	for _, input := range []string{"exit", "/exit", " QUIT ", ":q"} {
		if !isExitCommand(input) {
			t.Fatalf("isExitCommand(%q) = false", input)
		}
	}
	if isExitCommand("exit now") {
		t.Fatal("isExitCommand(\"exit now\") = true")
	}
}
