package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// MessagePage is one page of ascending conversation history.
type MessagePage struct {
	Messages []models.Message
	// HasMore reports whether older messages exist before this page.
	HasMore bool
}

// SaveMessage persists one message. Saving is idempotent on id: a second
// insert with the same id is a silent no-op and the stored row wins.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT OR IGNORE INTO messages (id, user_id, role_id, group_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.RoleID, nullString(m.GroupID), string(m.Role), m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages of a role's conversation in
// ascending order. A non-empty before restricts the page to messages
// strictly older than that message id; HasMore reports whether older
// history remains. limit <= 0 yields an empty page, not an error.
func (s *Store) ListMessages(ctx context.Context, userID, roleID string, limit int, before string) (*MessagePage, error) {
	if limit <= 0 {
		return &MessagePage{}, nil
	}

	query := `
		SELECT id, user_id, role_id, group_id, role, content, created_at
		FROM messages WHERE user_id = ? AND role_id = ?`
	args := []any{userID, roleID}

	if before != "" {
		var at sql.NullTime
		err := s.db.QueryRowContext(ctx,
			"SELECT created_at FROM messages WHERE id = ?", before,
		).Scan(&at)
		if errors.Is(err, sql.ErrNoRows) {
			return &MessagePage{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve before cursor: %w", err)
		}
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, at.Time, at.Time, before)
	}

	// Fetch newest-first with one extra row to learn whether more
	// history exists, then reverse into ascending order.
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var fetched []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	page := &MessagePage{}
	if len(fetched) > limit {
		page.HasMore = true
		fetched = fetched[:limit]
	}
	page.Messages = make([]models.Message, len(fetched))
	for i, m := range fetched {
		page.Messages[len(fetched)-1-i] = m
	}
	return page, nil
}

// SearchMessages finds messages whose content contains the keyword,
// newest first. An empty roleID searches across the user's roles.
func (s *Store) SearchMessages(ctx context.Context, userID, roleID, keyword string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, role_id, group_id, role, content, created_at
		FROM messages WHERE user_id = ? AND content LIKE ? ESCAPE '\'`
	args := []any{userID, "%" + escapeLike(keyword) + "%"}
	if roleID != "" {
		query += " AND role_id = ?"
		args = append(args, roleID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ClearMessages deletes a role's conversation and returns the row count.
func (s *Store) ClearMessages(ctx context.Context, userID, roleID string) (int64, error) {
	res, err := s.exec(ctx,
		"DELETE FROM messages WHERE user_id = ? AND role_id = ?", userID, roleID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return res.RowsAffected()
}

// MigrateMessages bulk-imports messages in one transaction, skipping ids
// that already exist. Returns how many rows were actually inserted.
func (s *Store) MigrateMessages(ctx context.Context, msgs []models.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("migrate messages: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (id, user_id, role_id, group_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("migrate messages: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now().UTC()
		}
		res, err := stmt.ExecContext(ctx,
			m.ID, m.UserID, m.RoleID, nullString(m.GroupID), string(m.Role), m.Content, m.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("migrate message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("migrate messages: %w", err)
	}
	return inserted, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		m       models.Message
		groupID sql.NullString
		role    string
	)
	if err := rows.Scan(&m.ID, &m.UserID, &m.RoleID, &groupID, &role, &m.Content, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.GroupID = groupID.String
	m.Role = models.MessageRole(role)
	return &m, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
