package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

type SQLiteConversationStore struct {
	db *sql.DB
}

var _ ConversationStore = (*SQLiteConversationStore)(nil)

func (s *SQLiteConversationStore) Append(ctx context.Context, userID string, role Role, content string) (ConversationEntry, error) {
	if userID == "" {
		return ConversationEntry{}, errors.New("append conversation entry: empty user id")
	}
	if role != RoleUser && role != RoleAssistant {
		return ConversationEntry{}, errors.Errorf("append conversation entry: invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConversationEntry{}, errors.Wrap(err, "begin append tx")
	}
	defer func() { _ = tx.Rollback() }()

	// The counter survives Clear, so indexes are never reused.
	var idx int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversation_counters (user_id, last_index) VALUES (?, 0)
		ON CONFLICT(user_id) DO UPDATE SET last_index = last_index + 1
		RETURNING last_index`, userID).Scan(&idx)
	if err != nil {
		return ConversationEntry{}, errors.Wrap(err, "allocate turn index")
	}

	entry := ConversationEntry{
		UserID:    userID,
		TurnIndex: idx,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_entries (user_id, turn_index, role, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID, entry.TurnIndex, string(entry.Role), entry.Content, toMillis(entry.CreatedAt))
	if err != nil {
		return ConversationEntry{}, errors.Wrap(err, "insert conversation entry")
	}
	if err := tx.Commit(); err != nil {
		return ConversationEntry{}, errors.Wrap(err, "commit append tx")
	}
	entry.CreatedAt = fromMillis(toMillis(entry.CreatedAt))
	return entry, nil
}

func (s *SQLiteConversationStore) List(ctx context.Context, userID string, order Order, limit int) ([]ConversationEntry, error) {
	q := `SELECT user_id, turn_index, role, content, created_at_ms FROM conversation_entries WHERE user_id = ?`
	if order == NewestFirst {
		q += ` ORDER BY turn_index DESC`
	} else {
		q += ` ORDER BY turn_index ASC`
	}
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *SQLiteConversationStore) ListAfter(ctx context.Context, userID string, after int64) ([]ConversationEntry, error) {
	return s.query(ctx, `
		SELECT user_id, turn_index, role, content, created_at_ms FROM conversation_entries
		WHERE user_id = ? AND turn_index > ?
		ORDER BY turn_index ASC`, userID, after)
}

func (s *SQLiteConversationStore) CountAfter(ctx context.Context, userID string, after int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_entries WHERE user_id = ? AND turn_index > ?`,
		userID, after).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count conversation entries")
	}
	return n, nil
}

func (s *SQLiteConversationStore) Get(ctx context.Context, userID string, turnIndex int64) (ConversationEntry, error) {
	var (
		e    ConversationEntry
		role string
		ms   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, turn_index, role, content, created_at_ms FROM conversation_entries
		WHERE user_id = ? AND turn_index = ?`, userID, turnIndex).
		Scan(&e.UserID, &e.TurnIndex, &role, &e.Content, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationEntry{}, ErrNotFound
	}
	if err != nil {
		return ConversationEntry{}, errors.Wrap(err, "get conversation entry")
	}
	e.Role = Role(role)
	e.CreatedAt = fromMillis(ms)
	return e, nil
}

func (s *SQLiteConversationStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_entries WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "clear conversation entries")
	}
	return nil
}

func (s *SQLiteConversationStore) query(ctx context.Context, q string, args ...interface{}) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query conversation entries")
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var (
			e    ConversationEntry
			role string
			ms   int64
		)
		if err := rows.Scan(&e.UserID, &e.TurnIndex, &role, &e.Content, &ms); err != nil {
			return nil, errors.Wrap(err, "scan conversation entry")
		}
		e.Role = Role(role)
		e.CreatedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversation entries")
}
