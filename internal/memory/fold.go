// Package memory implements working-memory compaction: a conversation log
// that grows past a threshold is folded into a short summary plus a verbatim
// tail of the most recent turns.
package memory

import (
	"context"
	"errors"

	"inbox-assistant/internal/storage"
)

// ErrSummarization wraps any failure to produce summary text. It is never
// fatal to a turn: callers keep using the raw log and retry on the next overflow.
var ErrSummarization = errors.New("summarization failed")

// Policy decides when and how much of the log is compacted.
type Policy struct {
	Threshold int // compaction starts when unsummarized entries exceed this
	TailSize  int // entries kept verbatim after compaction
}

func (p Policy) Enabled() bool { return p.Threshold > 0 && p.TailSize > 0 }

// TextFunc produces the new summary text from the previous summary and the
// entries being folded out of the tail.
type TextFunc func(ctx context.Context, previous string, folded []storage.ConversationEntry) (string, error)

// Plan splits unsummarized entries (turn_index > state.CoveredUpTo, oldest
// first) into the part to fold and the tail to keep. ok is false when nothing
// should change.
func (p Policy) Plan(state storage.SummaryState, entries []storage.ConversationEntry) (fold, tail []storage.ConversationEntry, ok bool) {
	if !p.Enabled() {
		return nil, nil, false
	}
	fresh := make([]storage.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		if e.TurnIndex > state.CoveredUpTo {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) <= p.Threshold {
		return nil, nil, false
	}
	cut := len(fresh) - p.TailSize
	if cut <= 0 {
		return nil, nil, false
	}
	return fresh[:cut], fresh[cut:], true
}

// Fold is the compaction step as a pure function of its inputs: the same
// state, entries and summary text always produce the same result. With no
// new entries past the threshold the state is returned unchanged.
func Fold(ctx context.Context, state storage.SummaryState, entries []storage.ConversationEntry, p Policy, text TextFunc) (storage.SummaryState, bool, error) {
	fold, tail, ok := p.Plan(state, entries)
	if !ok {
		return state, false, nil
	}
	summary, err := text(ctx, state.SummaryText, fold)
	if err != nil {
		return state, false, errors.Join(ErrSummarization, err)
	}
	return Apply(state, fold, tail, summary), true, nil
}

// Apply builds the next state. Coverage never moves backwards.
func Apply(state storage.SummaryState, fold, tail []storage.ConversationEntry, summary string) storage.SummaryState {
	next := storage.SummaryState{
		UserID:      state.UserID,
		SummaryText: summary,
		CoveredUpTo: state.CoveredUpTo,
		Tail:        append([]storage.ConversationEntry(nil), tail...),
	}
	if n := len(fold); n > 0 && fold[n-1].TurnIndex > next.CoveredUpTo {
		next.CoveredUpTo = fold[n-1].TurnIndex
	}
	return next
}
