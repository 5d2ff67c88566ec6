package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLiteSeenStore remembers which inbox messages the poller has already
// classified, keeping at most limit ids per user.
type SQLiteSeenStore struct {
	db    *sql.DB
	limit int
}

var _ SeenStore = (*SQLiteSeenStore)(nil)

func (s *SQLiteSeenStore) IsSeen(ctx context.Context, userID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM inbox_seen WHERE user_id = ? AND message_id = ?`, userID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check seen message")
	}
	return true, nil
}

func (s *SQLiteSeenStore) HasEntries(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM inbox_seen WHERE user_id = ? LIMIT 1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check seen entries")
	}
	return true, nil
}

func (s *SQLiteSeenStore) MarkSeen(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin mark seen tx")
	}
	defer func() { _ = tx.Rollback() }()

	// Later ids in the slice get later timestamps so pruning keeps them.
	base := time.Now().UTC().UnixMilli()
	for i, id := range messageIDs {
		if id == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_seen (user_id, message_id, seen_at_ms) VALUES (?, ?, ?)
			ON CONFLICT(user_id, message_id) DO UPDATE SET seen_at_ms = excluded.seen_at_ms`,
			userID, id, base+int64(i))
		if err != nil {
			return errors.Wrap(err, "mark message seen")
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM inbox_seen WHERE user_id = ? AND message_id NOT IN (
			SELECT message_id FROM inbox_seen WHERE user_id = ?
			ORDER BY seen_at_ms DESC LIMIT ?
		)`, userID, userID, s.limit)
	if err != nil {
		return errors.Wrap(err, "prune seen messages")
	}
	return errors.Wrap(tx.Commit(), "commit mark seen tx")
}
