package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type SQLiteProfileStore struct {
	db *sql.DB
}

var _ ProfileStore = (*SQLiteProfileStore)(nil)

func (s *SQLiteProfileStore) Upsert(ctx context.Context, p UserProfile) error {
	p.UserName = strings.TrimSpace(p.UserName)
	if p.UserID == "" || p.UserName == "" {
		return errors.New("upsert profile: user id and name are required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, user_name, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = excluded.user_name,
			updated_at_ms = excluded.updated_at_ms`,
		p.UserID, p.UserName, toMillis(p.UpdatedAt))
	return errors.Wrap(err, "upsert profile")
}

func (s *SQLiteProfileStore) Get(ctx context.Context, userID string) (UserProfile, error) {
	p := UserProfile{UserID: userID}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_name, updated_at_ms FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.UserName, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, errors.Wrap(err, "get profile")
	}
	p.UpdatedAt = fromMillis(ms)
	return p, nil
}
