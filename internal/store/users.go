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

// NormalizeEmail case-folds and trims an address so lookups are
// insensitive to how the user typed it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a new user. The email is stored normalized; ID and
// timestamps are filled when empty.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.AccountType == "" {
		u.AccountType = models.AccountIndividual
	}
	now := s.now().UTC()
	u.Email = NormalizeEmail(u.Email)
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, name, account_type, discord_user_id, locale, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, nullString(u.Name), string(u.AccountType),
		nullString(u.DiscordUserID), nullString(u.Locale), nullString(u.Timezone),
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser looks a user up by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByEmail looks a user up by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = ?", NormalizeEmail(email))
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, account_type, discord_user_id, locale, timezone, created_at, updated_at
		FROM users WHERE `+where, arg)

	var (
		u                             models.User
		name, discord, locale, tzone sql.NullString
		accountType                  string
	)
	err := row.Scan(&u.ID, &u.Email, &name, &accountType, &discord, &locale, &tzone, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Name = name.String
	u.AccountType = models.AccountType(accountType)
	u.DiscordUserID = discord.String
	u.Locale = locale.String
	u.Timezone = tzone.String
	return &u, nil
}

// UserPatch carries optional profile updates; nil fields are untouched.
type UserPatch struct {
	Name          *string
	DiscordUserID *string
	Locale        *string
	Timezone      *string
}

// UpdateUser applies a partial profile update.
func (s *Store) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC()}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, nullString(*patch.Name))
	}
	if patch.DiscordUserID != nil {
		sets = append(sets, "discord_user_id = ?")
		args = append(args, nullString(*patch.DiscordUserID))
	}
	if patch.Locale != nil {
		sets = append(sets, "locale = ?")
		args = append(args, nullString(*patch.Locale))
	}
	if patch.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, nullString(*patch.Timezone))
	}
	args = append(args, id)

	res, err := s.exec(ctx, "UPDATE users SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountType promotes or demotes the account classification.
func (s *Store) SetAccountType(ctx context.Context, id string, t models.AccountType) error {
	res, err := s.exec(ctx,
		"UPDATE users SET account_type = ?, updated_at = ? WHERE id = ?",
		string(t), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set account type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
