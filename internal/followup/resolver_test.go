package followup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-assistant/internal/agents"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/storage"
)

type fixture struct {
	db   *storage.DB
	log  *storage.SQLiteExecutionLog
	conv *storage.SQLiteConversationStore
	r    *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "followup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f := &fixture{db: db, log: db.ExecutionLog(), conv: db.Conversations()}
	f.r = NewResolver(f.log, f.conv)
	return f
}

func (f *fixture) step(t *testing.T, inv string, turn int64, kind storage.StepKind, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, f.log.Append(context.Background(), storage.ExecutionAgentEntry{
		UserID: "u1", InvocationID: inv, AgentName: "Inbox Reader", TaskKind: string(agents.TaskInboxRead),
		TurnIndex: turn, Kind: kind, Payload: string(data),
	}))
}

func (f *fixture) search(t *testing.T, inv string, turn int64, emails ...inbox.Email) {
	f.step(t, inv, turn, storage.StepInstruction, map[string]string{"text": "latest email"})
	f.step(t, inv, turn, storage.StepToolCall, agents.ToolCallPayload{Tool: agents.ToolSearch, Arguments: map[string]interface{}{"query": "in:inbox"}})
	f.step(t, inv, turn, storage.StepToolResult, agents.ToolResultPayload{Tool: agents.ToolSearch, Status: agents.StatusOK, Emails: emails})
	f.step(t, inv, turn, storage.StepFinalSummary, map[string]string{"summary": "done"})
}

var (
	older = inbox.Email{ID: "m1", From: "Alice <alice@example.com>", Subject: "Budget", Timestamp: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	newer = inbox.Email{ID: "m2", From: "Alice <alice@example.com>", Subject: "Budget v2", Timestamp: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
)

func TestResolve_ReusesLatestSearch(t *testing.T) {
	f := newFixture(t)
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "latest email from alice")
	require.NoError(t, err)
	f.search(t, "inv-1", turn.TurnIndex, older, newer)

	d := f.r.Resolve(context.Background(), "u1", "give me details")
	require.True(t, d.Reuse(), d.Reason)
	assert.Equal(t, "inv-1", d.Referent.InvocationID)
	assert.Equal(t, "in:inbox", d.Referent.Query)
	require.Len(t, d.Referent.Emails, 2)
	assert.Equal(t, "m2", d.Referent.Emails[0].ID)

	d = f.r.Resolve(context.Background(), "u1", "what did Alice say about the budget?")
	assert.True(t, d.Reuse(), d.Reason)
}

func TestResolve_FallsBackWithoutSearch(t *testing.T) {
	f := newFixture(t)
	d := f.r.Resolve(context.Background(), "u1", "give me details")
	assert.False(t, d.Reuse())
	assert.Equal(t, "in:inbox", d.FallbackQuery)

	// the latest invocation had no search: earlier ones are not consulted
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "x")
	require.NoError(t, err)
	f.search(t, "inv-1", turn.TurnIndex, newer)
	f.step(t, "inv-2", turn.TurnIndex, storage.StepInstruction, map[string]string{"text": "draft"})
	f.step(t, "inv-2", turn.TurnIndex, storage.StepFinalSummary, map[string]string{"summary": "drafted"})

	d = f.r.Resolve(context.Background(), "u1", "more details")
	assert.False(t, d.Reuse())
}

func TestResolve_IgnoresFailedSearch(t *testing.T) {
	f := newFixture(t)
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "x")
	require.NoError(t, err)
	f.step(t, "inv-1", turn.TurnIndex, storage.StepToolCall, agents.ToolCallPayload{Tool: agents.ToolSearch})
	f.step(t, "inv-1", turn.TurnIndex, storage.StepToolResult, agents.ToolResultPayload{Tool: agents.ToolSearch, Status: agents.StatusError, Error: "boom"})

	assert.False(t, f.r.Resolve(context.Background(), "u1", "details").Reuse())
}

func TestResolve_StaleAfterClear(t *testing.T) {
	f := newFixture(t)
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "latest email")
	require.NoError(t, err)
	f.search(t, "inv-1", turn.TurnIndex, newer)
	require.NoError(t, f.conv.Clear(context.Background(), "u1"))

	d := f.r.Resolve(context.Background(), "u1", "give me details")
	assert.False(t, d.Reuse())
	assert.Contains(t, d.Reason, "cleared")
}

func TestResolve_TopicShiftUsesFuzzyQuery(t *testing.T) {
	f := newFixture(t)
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "latest email")
	require.NoError(t, err)
	f.search(t, "inv-1", turn.TurnIndex, older, newer)

	d := f.r.Resolve(context.Background(), "u1", "what about the one from Carol?")
	require.False(t, d.Reuse())
	assert.Equal(t, `from:Carol OR subject:"Carol" OR "Carol"`, d.FallbackQuery)
}

func TestResolve_ChainedFollowUpKeepsReferent(t *testing.T) {
	f := newFixture(t)
	turn, err := f.conv.Append(context.Background(), "u1", storage.RoleUser, "details")
	require.NoError(t, err)
	f.step(t, "inv-2", turn.TurnIndex, storage.StepInstruction, agents.InstructionPayload{
		Kind: agents.TaskFollowUp, Text: "details", Referent: []inbox.Email{older, newer},
	})
	f.step(t, "inv-2", turn.TurnIndex, storage.StepFinalSummary, map[string]string{"summary": "..."})

	d := f.r.Resolve(context.Background(), "u1", "and the first one?")
	require.True(t, d.Reuse(), d.Reason)
	assert.Equal(t, "inv-2", d.Referent.InvocationID)
	assert.Equal(t, "m2", d.Referent.Emails[0].ID)
}

func TestTerms(t *testing.T) {
	assert.Empty(t, Terms("Give me more details about that email, please"))
	assert.Equal(t, []string{"quarterly report", "Carol"}, Terms(`the "quarterly report" from Carol`))
	assert.Equal(t, []string{"bob@example.com"}, Terms("what did bob@example.com send?"))
}
