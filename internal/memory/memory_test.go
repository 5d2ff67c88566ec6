package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-assistant/internal/storage"
)

func entries(from, to int64) []storage.ConversationEntry {
	var out []storage.ConversationEntry
	for i := from; i <= to; i++ {
		out = append(out, storage.ConversationEntry{UserID: "u1", TurnIndex: i, Role: storage.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	return out
}

// joinText is deterministic: previous summary plus folded contents.
func joinText(_ context.Context, previous string, folded []storage.ConversationEntry) (string, error) {
	parts := []string{}
	if previous != "" {
		parts = append(parts, previous)
	}
	for _, e := range folded {
		parts = append(parts, e.Content)
	}
	return strings.Join(parts, ","), nil
}

func TestPlan_BelowThreshold(t *testing.T) {
	p := Policy{Threshold: 5, TailSize: 2}
	_, _, ok := p.Plan(storage.EmptySummary("u1"), entries(0, 4))
	assert.False(t, ok)

	fold, tail, ok := p.Plan(storage.EmptySummary("u1"), entries(0, 5))
	require.True(t, ok)
	assert.Len(t, fold, 4)
	assert.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].TurnIndex)
}

func TestPlan_DisabledPolicy(t *testing.T) {
	_, _, ok := Policy{}.Plan(storage.EmptySummary("u1"), entries(0, 500))
	assert.False(t, ok)
}

func TestFold_FoldsPreviousSummary(t *testing.T) {
	ctx := context.Background()
	p := Policy{Threshold: 3, TailSize: 1}

	st, changed, err := Fold(ctx, storage.EmptySummary("u1"), entries(0, 3), p, joinText)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "m0,m1,m2", st.SummaryText)
	assert.Equal(t, int64(2), st.CoveredUpTo)
	require.Len(t, st.Tail, 1)

	st2, changed, err := Fold(ctx, st, entries(0, 7), p, joinText)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "m0,m1,m2,m3,m4,m5,m6", st2.SummaryText)
	assert.Equal(t, int64(6), st2.CoveredUpTo)
	assert.Equal(t, int64(7), st2.Tail[0].TurnIndex)
}

func TestFold_IdempotentWithoutNewEntries(t *testing.T) {
	ctx := context.Background()
	p := Policy{Threshold: 3, TailSize: 1}
	st, _, err := Fold(ctx, storage.EmptySummary("u1"), entries(0, 5), p, joinText)
	require.NoError(t, err)

	again, changed, err := Fold(ctx, st, entries(0, 5), p, joinText)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, st, again)
}

func TestFold_TextFailureKeepsState(t *testing.T) {
	boom := func(context.Context, string, []storage.ConversationEntry) (string, error) {
		return "", errors.New("model down")
	}
	st := storage.EmptySummary("u1")
	got, changed, err := Fold(context.Background(), st, entries(0, 9), Policy{Threshold: 3, TailSize: 1}, boom)
	require.ErrorIs(t, err, ErrSummarization)
	assert.False(t, changed)
	assert.Equal(t, st, got)
}

func openStores(t *testing.T) (*storage.SQLiteConversationStore, *storage.SQLiteSummaryStore) {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Conversations(), db.Summaries()
}

func TestSummarizer_CompactsAndBoundsContext(t *testing.T) {
	ctx := context.Background()
	conv, sums := openStores(t)
	s := NewSummarizer(conv, sums, Policy{Threshold: 4, TailSize: 2}, joinText)

	for i := 0; i < 5; i++ {
		_, err := conv.Append(ctx, "u1", storage.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	changed, err := s.MaybeSummarize(ctx, "u1")
	require.NoError(t, err)
	require.True(t, changed)

	st, err := sums.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.CoveredUpTo)
	assert.Equal(t, "m0,m1,m2", st.SummaryText)

	rest, err := conv.ListAfter(ctx, "u1", st.CoveredUpTo)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	changed, err = s.MaybeSummarize(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSummarizer_ClearDuringRunDropsResult(t *testing.T) {
	ctx := context.Background()
	conv, sums := openStores(t)

	var s *Summarizer
	var calls atomic.Int32
	text := func(ctx context.Context, prev string, folded []storage.ConversationEntry) (string, error) {
		calls.Add(1)
		// History is cleared while the model is still working.
		require.NoError(t, conv.Clear(ctx, "u1"))
		require.NoError(t, s.Clear(ctx, "u1"))
		return "stale", nil
	}
	s = NewSummarizer(conv, sums, Policy{Threshold: 2, TailSize: 1}, text)

	for i := 0; i < 4; i++ {
		_, err := conv.Append(ctx, "u1", storage.RoleUser, "x")
		require.NoError(t, err)
	}
	changed, err := s.MaybeSummarize(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(1), calls.Load())

	st, err := sums.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, st.SummaryText)
	assert.Equal(t, storage.NoTurn, st.CoveredUpTo)
}

func TestSummarizer_TriggerRunsInBackground(t *testing.T) {
	ctx := context.Background()
	conv, sums := openStores(t)
	s := NewSummarizer(conv, sums, Policy{Threshold: 2, TailSize: 1}, joinText)
	for i := 0; i < 3; i++ {
		_, err := conv.Append(ctx, "u1", storage.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	s.Trigger("u1")
	s.Wait()

	st, err := s.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.CoveredUpTo)
}
