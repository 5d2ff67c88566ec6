package agents

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/storage"
)

// scriptedClient answers GenerateWithTools from a fixed list of responses.
type scriptedClient struct {
	mu    sync.Mutex
	steps []llm.Response
	seen  [][]llm.Message
	tools [][]llm.Tool
}

func (c *scriptedClient) Generate(ctx context.Context, msgs []llm.Message) (llm.Response, error) {
	return c.GenerateWithTools(ctx, msgs, nil)
}

func (c *scriptedClient) GenerateWithTools(_ context.Context, msgs []llm.Message, tools []llm.Tool) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, msgs)
	c.tools = append(c.tools, tools)
	if len(c.steps) == 0 {
		return llm.Response{Content: "done"}, nil
	}
	r := c.steps[0]
	c.steps = c.steps[1:]
	return r, nil
}

func call(name string, args map[string]interface{}) llm.Response {
	return llm.Response{ToolCalls: []llm.ToolCall{{ID: "call_" + name, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}}}
}

func mailbox() *inbox.Sandbox {
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return inbox.NewSandbox(
		inbox.Email{ID: "m1", ThreadID: "t1", From: "Alice <alice@example.com>", Subject: "Budget", Body: "First draft of the budget. Numbers inside. Call me.", Timestamp: base},
		inbox.Email{ID: "m2", ThreadID: "t2", From: "Alice <alice@example.com>", Subject: "Budget v2", Body: "Updated budget attached. Please review by Friday. Thanks.", Timestamp: base.Add(2 * time.Hour)},
		inbox.Email{ID: "m3", ThreadID: "t3", From: "Bob <bob@example.com>", Subject: "Lunch", Body: "Lunch on Thursday?", Timestamp: base.Add(time.Hour)},
	)
}

func newRunner(t *testing.T, w Worker, p inbox.Provider, timeout time.Duration) (*Runner, *storage.SQLiteExecutionLog) {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	execLog := db.ExecutionLog()
	var dir *inbox.StaticDirectory
	if p != nil {
		dir = inbox.NewStaticDirectory(p)
	} else {
		dir = inbox.NewStaticDirectory(nil)
	}
	return NewRunner(w, dir, execLog, timeout), execLog
}

func kinds(entries []storage.ExecutionAgentEntry) []storage.StepKind {
	out := make([]storage.StepKind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func TestRunner_LLMWorkerSearchesAndAnswers(t *testing.T) {
	client := &scriptedClient{steps: []llm.Response{
		call(ToolSearch, map[string]interface{}{"query": "from:alice", "max_results": float64(5)}),
		{Content: "Alice's latest email is Budget v2 asking for review by Friday."},
	}}
	box := mailbox()
	r, execLog := newRunner(t, NewLLMWorker(client, 0), box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "what did alice send last?"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.Summary, "Budget v2")
	require.Len(t, res.SearchResults, 2)
	assert.Equal(t, "m2", res.SearchResults[0].ID)

	// the tool result was handed back to the model
	last := client.seen[len(client.seen)-1]
	assert.Equal(t, llm.RoleTool, last[len(last)-1].Role)
	assert.Contains(t, last[len(last)-1].Content, "Budget v2")

	// an inbox read only exposes search
	require.Len(t, client.tools[0], 1)
	assert.Equal(t, ToolSearch, client.tools[0][0].Function.Name)

	steps, err := execLog.Invocation(context.Background(), "u1", res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, []storage.StepKind{
		storage.StepInstruction, storage.StepToolCall, storage.StepToolResult, storage.StepFinalSummary,
	}, kinds(steps))
	assert.Equal(t, "Inbox Reader", steps[0].AgentName)
}

func TestRunner_ForcesSearchWhenWorkerSkipsIt(t *testing.T) {
	w := WorkerFunc(func(context.Context, Instruction, *Toolset) (Outcome, error) {
		return Outcome{Text: "You have no new mail."}, nil
	})
	box := mailbox()
	r, _ := newRunner(t, w, box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest email", Query: "from:alice"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Searched)
	assert.Equal(t, 1, box.Calls("search"))
	assert.Equal(t, "Latest email from Alice <alice@example.com>: Budget v2 (2025-06-01 10:00). Summary: Updated budget attached. Please review by Friday.", res.Summary)
}

func TestRunner_ReplacesToolCodeAnswer(t *testing.T) {
	client := &scriptedClient{steps: []llm.Response{
		call(ToolSearch, map[string]interface{}{"query": "in:inbox"}),
		{Content: "```tool_code\nsearch_inbox()\n```"},
	}}
	r, _ := newRunner(t, NewLLMWorker(client, 0), mailbox(), time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest email"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.True(t, strings.HasPrefix(res.Summary, "Latest email from Alice"))
}

func TestRunner_EmptySearch(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, err := tools.Search(ctx, "from:nobody", 5)
		return Outcome{}, err
	})
	r, _ := newRunner(t, w, mailbox(), time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "mail from nobody"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "I couldn't find any emails matching that.", res.Summary)
}

func TestRunner_ToolErrorIsReported(t *testing.T) {
	box := mailbox()
	box.FailOn("search", errors.New("503 backend error"))
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, _ = tools.Search(ctx, "in:inbox", 5)
		return Outcome{Text: "Here is your latest email."}, nil
	})
	r, execLog := newRunner(t, w, box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest email"})
	require.Equal(t, StatusToolError, res.Status)
	assert.Contains(t, res.Summary, "search your inbox")
	assert.NotContains(t, res.Summary, "503")

	var te *ToolError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, ToolSearch, te.Tool)

	steps, err := execLog.LatestInvocation(context.Background(), "u1")
	require.NoError(t, err)
	var result ToolResultPayload
	require.NoError(t, json.Unmarshal([]byte(steps[2].Payload), &result))
	assert.Equal(t, StatusError, result.Status)
}

func TestRunner_NotConnected(t *testing.T) {
	w := WorkerFunc(func(context.Context, Instruction, *Toolset) (Outcome, error) {
		t.Fatal("worker must not run without a mailbox")
		return Outcome{}, nil
	})
	r, execLog := newRunner(t, w, nil, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest email"})
	require.Equal(t, StatusToolError, res.Status)
	require.ErrorIs(t, res.Err, inbox.ErrNotConnected)
	assert.Contains(t, res.Summary, "isn't connected")

	steps, err := execLog.LatestInvocation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []storage.StepKind{storage.StepInstruction, storage.StepFinalSummary}, kinds(steps))
}

func TestRunner_TimeoutStopsLogging(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		<-release
		_, err := tools.Search(context.Background(), "in:inbox", 5)
		finished <- err
		return Outcome{Text: "late"}, nil
	})
	box := mailbox()
	r, execLog := newRunner(t, w, box, 30*time.Millisecond)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest email"})
	require.Equal(t, StatusTimeout, res.Status)
	require.ErrorIs(t, res.Err, ErrWorkerTimeout)
	assert.Contains(t, res.Summary, "still working")

	close(release)
	require.ErrorIs(t, <-finished, ErrWorkerTimeout)
	assert.Equal(t, 0, box.Calls("search"))

	steps, err := execLog.Invocation(context.Background(), "u1", res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, []storage.StepKind{storage.StepInstruction, storage.StepFinalSummary}, kinds(steps))
}

func TestRunner_DraftIsRepeatedVerbatim(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		if _, err := tools.CreateDraft(ctx, "bob@example.com", "Lunch", "Thursday works for me."); err != nil {
			return Outcome{}, err
		}
		// a paraphrase must not reach the user
		return Outcome{Text: "I drafted a note to Bob saying Friday is fine."}, nil
	})
	box := mailbox()
	r, _ := newRunner(t, w, box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", UserName: "Alex", Kind: TaskDraft, Text: "draft a reply to bob"})
	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Draft)
	assert.Equal(t, "u1", res.Draft.UserID)
	assert.Equal(t, "Thursday works for me.\n\nBest,\nAlex", res.Draft.Body)
	assert.Contains(t, res.Summary, res.Draft.Render())
	assert.NotContains(t, res.Summary, "Friday")

	stored := box.Drafts()[res.Draft.DraftID]
	assert.Equal(t, res.Draft.Body, stored.Body)
}

func TestRunner_IdenticalDraftIsReused(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, err := tools.CreateDraft(ctx, "bob@example.com", "Lunch", "Thursday works.\n\nBest,\nAlex")
		return Outcome{}, err
	})
	box := mailbox()
	r, _ := newRunner(t, w, box, time.Second)

	first := r.Run(context.Background(), Instruction{UserID: "u1", UserName: "Alex", Kind: TaskDraft, Text: "draft"})
	require.NotNil(t, first.Draft)
	second := r.Run(context.Background(), Instruction{UserID: "u1", UserName: "Alex", Kind: TaskDraft, Text: "draft", Draft: first.Draft})
	require.NotNil(t, second.Draft)

	assert.Equal(t, first.Draft.DraftID, second.Draft.DraftID)
	assert.Equal(t, 1, box.Calls("create_draft"))
}

func TestRunner_SendsOnlyTheLiveDraft(t *testing.T) {
	box := mailbox()
	id, err := box.CreateDraft(context.Background(), "bob@example.com", "Lunch", "Thursday")
	require.NoError(t, err)
	other, err := box.CreateDraft(context.Background(), "carol@example.com", "Other", "not this one")
	require.NoError(t, err)

	// the worker does nothing; the confirmed send still happens
	idle := WorkerFunc(func(context.Context, Instruction, *Toolset) (Outcome, error) { return Outcome{}, nil })
	r, _ := newRunner(t, idle, box, time.Second)

	live := &drafts.Record{UserID: "u1", DraftID: id, To: "bob@example.com", Subject: "Lunch", Body: "Thursday"}
	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskSend, Text: "send it", Draft: live})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Sent it.", res.Summary)
	require.Len(t, box.Sent(), 1)
	assert.Equal(t, id, box.Sent()[0].Reference)
	assert.Contains(t, box.Drafts(), other)
}

func TestRunner_SendWithoutDraftFails(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, err := tools.SendDraft(ctx)
		return Outcome{}, err
	})
	box := mailbox()
	r, _ := newRunner(t, w, box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskSend, Text: "send it"})
	require.Equal(t, StatusToolError, res.Status)
	require.ErrorIs(t, res.Err, drafts.ErrNoDraft)
	assert.Empty(t, box.Sent())
	assert.Equal(t, 0, box.Calls("execute_draft"))
}

func TestRunner_DisallowedToolIsRefused(t *testing.T) {
	var forwardErr error
	w := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, forwardErr = tools.Forward(ctx, "m1", "eve@example.com", "")
		_, err := tools.Search(ctx, "in:inbox", 3)
		return Outcome{Text: "ok"}, err
	})
	box := mailbox()
	r, execLog := newRunner(t, w, box, time.Second)

	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskInboxRead, Text: "latest"})
	require.ErrorIs(t, forwardErr, ErrToolNotAllowed)
	assert.Equal(t, 0, box.Calls("forward"))
	assert.Equal(t, StatusSuccess, res.Status)

	steps, err := execLog.Invocation(context.Background(), "u1", res.InvocationID)
	require.NoError(t, err)
	var refused ToolResultPayload
	require.NoError(t, json.Unmarshal([]byte(steps[2].Payload), &refused))
	assert.Equal(t, ToolForward, refused.Tool)
	assert.Equal(t, StatusError, refused.Status)
}

func TestRunner_ForwardAndReply(t *testing.T) {
	box := mailbox()
	fwd := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, err := tools.Forward(ctx, "m2", "carol@example.com", "see below")
		return Outcome{Text: "Forwarded Budget v2 to Carol."}, err
	})
	r, _ := newRunner(t, fwd, box, time.Second)
	res := r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskForward, Text: "forward the budget to carol"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.SentMessageID)

	box.FailOn("reply", errors.New("thread locked"))
	rep := WorkerFunc(func(ctx context.Context, _ Instruction, tools *Toolset) (Outcome, error) {
		_, err := tools.Reply(ctx, "t3", "sure")
		return Outcome{Text: "Replied."}, err
	})
	r, _ = newRunner(t, rep, box, time.Second)
	res = r.Run(context.Background(), Instruction{UserID: "u1", Kind: TaskReply, Text: "reply to bob"})
	require.Equal(t, StatusToolError, res.Status)
	assert.Contains(t, res.Summary, "send the reply")
}

func TestRunner_AgentHistoryFeedsContext(t *testing.T) {
	var contexts []string
	w := WorkerFunc(func(ctx context.Context, ins Instruction, tools *Toolset) (Outcome, error) {
		contexts = append(contexts, ins.Context)
		_, err := tools.Search(ctx, "from:bob", 1)
		return Outcome{Text: "Bob asked about lunch."}, err
	})
	r, execLog := newRunner(t, w, mailbox(), time.Second)

	r.Run(context.Background(), Instruction{UserID: "u1", AgentName: "Bob Tracker", Kind: TaskInboxRead, Text: "bob?"})
	r.Run(context.Background(), Instruction{UserID: "u1", AgentName: "Bob Tracker", Kind: TaskInboxRead, Text: "bob again?"})

	require.Len(t, contexts, 2)
	assert.Empty(t, contexts[0])
	assert.Contains(t, contexts[1], "Earlier work by this agent")
	assert.Contains(t, contexts[1], "Bob asked about lunch.")

	agents, err := execLog.Agents(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob Tracker"}, agents)
}

func TestFirstSentences(t *testing.T) {
	assert.Equal(t, "One. Two!", FirstSentences("One.  Two!\nThree?", 2))
	assert.Equal(t, "no punctuation here", FirstSentences("no punctuation here", 2))
	assert.Equal(t, "(no text)", FirstSentences("  ", 2))

	long := strings.Repeat("é", 250)
	got := FirstSentences(long, 2)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 200)+"...", got)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate(strings.Repeat("日本", 300), 401)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 401+len("..."), utf8.RuneCountInString(got))
}
