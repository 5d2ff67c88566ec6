package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type SQLiteSummaryStore struct {
	db *sql.DB
}

var _ SummaryStore = (*SQLiteSummaryStore)(nil)

func (s *SQLiteSummaryStore) Load(ctx context.Context, userID string) (SummaryState, error) {
	var (
		st       = SummaryState{UserID: userID}
		tailJSON string
		ms       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT summary_text, covered_up_to, tail_json, updated_at_ms
		FROM summary_state WHERE user_id = ?`, userID).
		Scan(&st.SummaryText, &st.CoveredUpTo, &tailJSON, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return EmptySummary(userID), nil
	}
	if err != nil {
		return SummaryState{}, errors.Wrap(err, "load summary state")
	}
	if err := json.Unmarshal([]byte(tailJSON), &st.Tail); err != nil {
		return SummaryState{}, errors.Wrap(err, "decode summary tail")
	}
	st.UpdatedAt = fromMillis(ms)
	return st, nil
}

// Save stores state only if coverage does not move backwards and, for a
// non-empty summary, the covered turn still exists. Otherwise it returns
// ErrStaleSummary and leaves the stored state untouched.
func (s *SQLiteSummaryStore) Save(ctx context.Context, state SummaryState) error {
	if state.UserID == "" {
		return errors.New("save summary state: empty user id")
	}
	tail := state.Tail
	if tail == nil {
		tail = []ConversationEntry{}
	}
	tailJSON, err := json.Marshal(tail)
	if err != nil {
		return errors.Wrap(err, "encode summary tail")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_state (user_id, summary_text, covered_up_to, tail_json, updated_at_ms)
		SELECT ?, ?, ?, ?, ?
		WHERE ? < 0 OR EXISTS (
			SELECT 1 FROM conversation_entries WHERE user_id = ? AND turn_index = ?
		)
		ON CONFLICT(user_id) DO UPDATE SET
			summary_text = excluded.summary_text,
			covered_up_to = excluded.covered_up_to,
			tail_json = excluded.tail_json,
			updated_at_ms = excluded.updated_at_ms
		WHERE excluded.covered_up_to >= summary_state.covered_up_to`,
		state.UserID, state.SummaryText, state.CoveredUpTo, string(tailJSON), toMillis(state.UpdatedAt),
		state.CoveredUpTo, state.UserID, state.CoveredUpTo)
	if err != nil {
		return errors.Wrap(err, "save summary state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "save summary state rows")
	}
	if n == 0 {
		return ErrStaleSummary
	}
	return nil
}

func (s *SQLiteSummaryStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summary_state WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "delete summary state")
	}
	return nil
}
