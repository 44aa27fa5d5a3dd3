package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// CreateSession issues a login session with the given TTL. The returned
// ID is the opaque cookie value.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (*models.Session, error) {
	now := s.now().UTC()
	sess := &models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session when it exists and has not expired.
// Expired rows are deleted on sight and reported as absent.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = ?", id)

	var sess models.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if !sess.ExpiresAt.After(s.now().UTC()) {
		if _, err := s.exec(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			s.log.Warn("failed to delete expired session", "error", err)
		}
		return nil, ErrNotFound
	}
	return &sess, nil
}

// DeleteSession removes a session (logout). Missing rows are not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
