package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-assistant/internal/httpapi"
	"inbox-assistant/internal/interaction"
	"inbox-assistant/internal/storage"
)

type fakeAssistant struct {
	turns []storage.ConversationEntry
	name  string
	wait  bool
}

func (f *fakeAssistant) Submit(_ context.Context, userID string, messages ...string) (interaction.Reply, error) {
	if strings.TrimSpace(strings.Join(messages, "")) == "" {
		return interaction.Reply{}, interaction.ErrEmptyMessage
	}
	if f.wait {
		return interaction.Reply{Kind: interaction.OutcomeWait}, nil
	}
	for _, m := range messages {
		f.turns = append(f.turns, storage.ConversationEntry{UserID: userID, Role: storage.RoleUser, Content: m})
	}
	reply := "You said: " + strings.Join(messages, " | ")
	f.turns = append(f.turns, storage.ConversationEntry{UserID: userID, Role: storage.RoleAssistant, Content: reply})
	return interaction.Reply{Kind: interaction.OutcomeReply, Text: reply}, nil
}

func (f *fakeAssistant) History(context.Context, string) ([]storage.ConversationEntry, error) {
	return f.turns, nil
}

func (f *fakeAssistant) ClearHistory(context.Context, string) error {
	f.turns = nil
	return nil
}

func (f *fakeAssistant) SetUserName(_ context.Context, _ string, name string) error {
	f.name = name
	return nil
}

func (f *fakeAssistant) Agents(context.Context, string) ([]string, error) { return nil, nil }

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func newServer(t *testing.T, f *fakeAssistant) string {
	t.Helper()
	srv := httptest.NewServer(httpapi.New(f, nil, "cli-user").Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestChatCommands(t *testing.T) {
	f := &fakeAssistant{}
	url := newServer(t, f)

	out, err := runCLI(t, url, "chat", "send", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "You said: hello there\n", out)

	out, err = runCLI(t, url, "chat", "send", "--separate", "one", "two")
	require.NoError(t, err)
	assert.Equal(t, "You said: one | two\n", out)

	out, err = runCLI(t, url, "chat", "history")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[user] hello there\n[assistant] You said: hello there\n"), out)

	out, err = runCLI(t, url, "chat", "clear")
	require.NoError(t, err)
	assert.Equal(t, "History cleared.\n", out)

	out, err = runCLI(t, url, "chat", "history")
	require.NoError(t, err)
	assert.Equal(t, "(no messages)\n", out)
}

func TestChatSend_Wait(t *testing.T) {
	url := newServer(t, &fakeAssistant{wait: true})
	out, err := runCLI(t, url, "chat", "send", "latest email?")
	require.NoError(t, err)
	assert.Contains(t, out, "still being answered")
}

func TestProfileAndHealth(t *testing.T) {
	f := &fakeAssistant{}
	url := newServer(t, f)

	out, err := runCLI(t, url, "profile", "set", "Alex", "Smith")
	require.NoError(t, err)
	assert.Equal(t, "Name set to Alex Smith\n", out)
	assert.Equal(t, "Alex Smith", f.name)

	out, err = runCLI(t, url, "health")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestServerErrorsAreReported(t *testing.T) {
	url := newServer(t, &fakeAssistant{})
	_, err := runCLI(t, url, "chat", "send", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message is required")
}
