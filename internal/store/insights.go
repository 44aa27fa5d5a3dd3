package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// InsertInsight stores one memory insight. Insights are deduplicated by
// (roleId, hash); the return reports whether a new row landed.
func (s *Store) InsertInsight(ctx context.Context, in *models.MemoryInsight) (bool, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := s.now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	res, err := s.exec(ctx, `
		INSERT OR IGNORE INTO memory_insights (id, role_id, title, content, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.RoleID, in.Title, in.Content, in.Hash, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert insight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert insight: %w", err)
	}
	return n > 0, nil
}

// ListInsights returns a role's insights oldest first.
func (s *Store) ListInsights(ctx context.Context, roleID string) ([]models.MemoryInsight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role_id, title, content, hash, created_at, updated_at
		FROM memory_insights WHERE role_id = ?
		ORDER BY created_at, id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryInsight
	for rows.Next() {
		var in models.MemoryInsight
		if err := rows.Scan(&in.ID, &in.RoleID, &in.Title, &in.Content, &in.Hash, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateInsight rewrites an insight's title, content, and hash.
func (s *Store) UpdateInsight(ctx context.Context, id, title, content, hash string) error {
	res, err := s.exec(ctx, `
		UPDATE memory_insights SET title = ?, content = ?, hash = ?, updated_at = ?
		WHERE id = ?`,
		title, content, hash, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInsights removes the given insight rows and returns the count.
func (s *Store) DeleteInsights(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.exec(ctx, "DELETE FROM memory_insights WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete insights: %w", err)
	}
	return res.RowsAffected()
}

// InsightFingerprint identifies the current state of a role's insight
// set: any insert, update, or delete changes it. Used to invalidate the
// cached overview.
func (s *Store) InsightFingerprint(ctx context.Context, roleID string) (string, error) {
	var (
		count   int64
		updated sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(updated_at), '') FROM memory_insights WHERE role_id = ?`,
		roleID,
	).Scan(&count, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("insight fingerprint: %w", err)
	}
	return fmt.Sprintf("%d|%s", count, updated.String), nil
}
