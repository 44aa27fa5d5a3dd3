package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetSetting returns a per-user setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE user_id = ? AND key = ?", userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a per-user setting, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, userID, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO settings (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		userID, key, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ListSettings returns the user's settings under a key prefix, keyed by
// the remainder after the prefix.
func (s *Store) ListSettings(ctx context.Context, userID, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM settings
		WHERE user_id = ? AND key LIKE ? ESCAPE '\'`,
		userID, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[strings.TrimPrefix(key, prefix)] = value
	}
	return out, rows.Err()
}

// DeleteSetting removes a per-user setting. Missing keys are not an error.
func (s *Store) DeleteSetting(ctx context.Context, userID, key string) error {
	if _, err := s.exec(ctx, "DELETE FROM settings WHERE user_id = ? AND key = ?", userID, key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}
