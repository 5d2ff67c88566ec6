package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"inbox-assistant/internal/storage"
)

type summaries struct {
	state storage.SummaryState
	err   error
}

func (s summaries) State(context.Context, string) (storage.SummaryState, error) {
	return s.state, s.err
}

func openConv(t *testing.T) *storage.SQLiteConversationStore {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.Conversations()
}

func TestHistoryAppendGetReset(t *testing.T) {
	ctx := context.Background()
	conv := openConv(t)
	h := NewManager(conv, summaries{state: storage.EmptySummary("a")}, 10)

	mustUser(t, h, "a", "hello")
	mustAssistant(t, h, "a", "hi")
	mustUser(t, h, "b", "foo")

	msgsA, err := h.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgsA) != 2 {
		t.Fatalf("unexpected length: %d", len(msgsA))
	}
	if msgsA[0].Role != storage.RoleUser || msgsA[0].Content != "hello" {
		t.Fatalf("unexpected A[0]: %+v", msgsA[0])
	}
	if msgsA[1].Role != storage.RoleAssistant || msgsA[1].Content != "hi" {
		t.Fatalf("unexpected A[1]: %+v", msgsA[1])
	}

	if err := h.Reset(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if msgs, _ := h.Get(ctx, "a"); len(msgs) != 0 {
		t.Fatalf("reset did not clear user a")
	}
	if msgs, _ := h.Get(ctx, "b"); len(msgs) != 1 {
		t.Fatalf("reset should not affect other users")
	}
}

func TestAppendAssistantSkipsDuplicateReply(t *testing.T) {
	ctx := context.Background()
	h := NewManager(openConv(t), summaries{state: storage.EmptySummary("a")}, 10)

	mustUser(t, h, "a", "latest email?")
	if _, ok, _ := h.AppendAssistant(ctx, "a", "Latest email from Bob"); !ok {
		t.Fatalf("first reply must be appended")
	}
	if _, ok, _ := h.AppendAssistant(ctx, "a", "Latest email from Bob"); ok {
		t.Fatalf("identical consecutive reply must be skipped")
	}
	mustUser(t, h, "a", "again")
	if _, ok, _ := h.AppendAssistant(ctx, "a", "Latest email from Bob"); !ok {
		t.Fatalf("reply after a new user turn must be appended")
	}
}

func TestLoadCombinesSummaryAndTail(t *testing.T) {
	ctx := context.Background()
	conv := openConv(t)
	for _, c := range []string{"one", "two", "three", "four"} {
		if _, err := conv.Append(ctx, "a", storage.RoleUser, c); err != nil {
			t.Fatal(err)
		}
	}
	h := NewManager(conv, summaries{state: storage.SummaryState{UserID: "a", SummaryText: "talked about one & two", CoveredUpTo: 1}}, 10)

	c, err := h.Load(ctx, "a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Degraded || len(c.Entries) != 2 || c.Entries[0].Content != "three" {
		t.Fatalf("unexpected context: %+v", c)
	}
	msgs := c.Messages()
	if len(msgs) != 3 || msgs[0].Role != "system" {
		t.Fatalf("summary must lead the messages: %+v", msgs)
	}
	if tr := c.Transcript(); !strings.Contains(tr, "<conversation_summary>talked about one &amp; two</conversation_summary>") {
		t.Fatalf("transcript not escaped: %s", tr)
	}
}

func TestLoadDegradesWithoutSummary(t *testing.T) {
	ctx := context.Background()
	conv := openConv(t)
	for _, c := range []string{"one", "two", "three"} {
		if _, err := conv.Append(ctx, "a", storage.RoleUser, c); err != nil {
			t.Fatal(err)
		}
	}
	h := NewManager(conv, summaries{err: errors.New("db locked")}, 2)

	c, err := h.Load(ctx, "a")
	if err != nil {
		t.Fatalf("load must degrade, got %v", err)
	}
	if !c.Degraded || len(c.Entries) != 2 || c.Entries[0].Content != "two" || c.Entries[1].Content != "three" {
		t.Fatalf("unexpected degraded context: %+v", c)
	}
}

func mustUser(t *testing.T, h *Manager, user, content string) {
	t.Helper()
	if _, err := h.AppendUser(context.Background(), user, content); err != nil {
		t.Fatalf("append user: %v", err)
	}
}

func mustAssistant(t *testing.T, h *Manager, user, content string) {
	t.Helper()
	if _, _, err := h.AppendAssistant(context.Background(), user, content); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
}
