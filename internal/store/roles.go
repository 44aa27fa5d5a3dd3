package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// CreateRole inserts a role. ID and timestamps are filled when empty.
func (s *Store) CreateRole(ctx context.Context, r *models.Role) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO roles (id, user_id, group_id, name, job_desc, system_prompt, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, nullString(r.GroupID), r.Name,
		nullString(r.JobDesc), nullString(r.SystemPrompt), nullString(r.Model),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

// GetRole looks a role up by id.
func (s *Store) GetRole(ctx context.Context, id string) (*models.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, group_id, name, job_desc, system_prompt, model, created_at, updated_at
		FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// ListRoles returns roles the user can act as: their own plus roles
// shared through any group they belong to.
func (s *Store) ListRoles(ctx context.Context, userID string) ([]models.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, group_id, name, job_desc, system_prompt, model, created_at, updated_at
		FROM roles
		WHERE user_id = ?
		   OR (group_id IS NOT NULL AND group_id IN
		       (SELECT group_id FROM memberships WHERE user_id = ?))
		ORDER BY created_at, id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []models.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRole rewrites the mutable role fields.
func (s *Store) UpdateRole(ctx context.Context, r *models.Role) error {
	r.UpdatedAt = s.now().UTC()
	res, err := s.exec(ctx, `
		UPDATE roles SET name = ?, job_desc = ?, system_prompt = ?, model = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, nullString(r.JobDesc), nullString(r.SystemPrompt), nullString(r.Model),
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes the role and its conversation and memory rows.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	for _, stmt := range []string{
		"DELETE FROM messages WHERE role_id = ?",
		"DELETE FROM memory_insights WHERE role_id = ?",
		"DELETE FROM scheduled_jobs WHERE role_id = ?",
		"DELETE FROM roles WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
	}
	return tx.Commit()
}

type roleScanner interface {
	Scan(dest ...any) error
}

func scanRole(row roleScanner) (*models.Role, error) {
	var (
		r                               models.Role
		groupID, jobDesc, prompt, model sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &groupID, &r.Name, &jobDesc, &prompt, &model, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	r.GroupID = groupID.String
	r.JobDesc = jobDesc.String
	r.SystemPrompt = prompt.String
	r.Model = model.String
	return &r, nil
}
