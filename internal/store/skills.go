package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/troupe/pkg/models"
)

// UpsertSkill inserts or replaces a skill row.
func (s *Store) UpsertSkill(ctx context.Context, sk *models.Skill) error {
	now := s.now().UTC()
	sk.UpdatedAt = now
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	if sk.Type == "" {
		sk.Type = models.SkillPrompt
	}

	var config sql.NullString
	if len(sk.Config) > 0 {
		config = sql.NullString{String: string(sk.Config), Valid: true}
	}

	_, err := s.exec(ctx, `
		INSERT INTO skills (id, name, description, content, type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			content = excluded.content,
			type = excluded.type,
			config = excluded.config,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		sk.ID, sk.Name, nullString(sk.Description), sk.Content,
		string(sk.Type), config, sk.Enabled, sk.CreatedAt, sk.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert skill: %w", err)
	}
	return nil
}

// GetSkill looks a skill up by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*models.Skill, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, content, type, config, enabled, created_at, updated_at
		FROM skills WHERE id = ?`, id)
	return scanSkill(row)
}

// ListSkills returns all skills; set enabledOnly to filter.
func (s *Store) ListSkills(ctx context.Context, enabledOnly bool) ([]models.Skill, error) {
	query := `
		SELECT id, name, description, content, type, config, enabled, created_at, updated_at
		FROM skills`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []models.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sk)
	}
	return out, rows.Err()
}

// DeleteSkill removes a skill row.
func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "DELETE FROM skills WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	return nil
}

type skillScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row skillScanner) (*models.Skill, error) {
	var (
		sk           models.Skill
		desc, config sql.NullString
		skillType    string
	)
	err := row.Scan(&sk.ID, &sk.Name, &desc, &sk.Content, &skillType, &config, &sk.Enabled, &sk.CreatedAt, &sk.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan skill: %w", err)
	}
	sk.Description = desc.String
	sk.Type = models.SkillType(skillType)
	if config.Valid {
		sk.Config = []byte(config.String)
	}
	return &sk, nil
}
