package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// CreateGroup inserts a group. ID and createdAt are filled when empty.
func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.CreatedAt = s.now().UTC()

	_, err := s.exec(ctx,
		"INSERT INTO groups (id, name, url, created_at) VALUES (?, ?, ?, ?)",
		g.ID, g.Name, nullString(g.URL), g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// CreateGroupAccount creates a user, their group, the owner membership,
// and a shareable invitation in one transaction.
func (s *Store) CreateGroupAccount(ctx context.Context, u *models.User, g *models.Group, inv *models.Invitation) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Code == "" {
		inv.Code = uuid.New().String()
	}
	if inv.Role == "" {
		inv.Role = models.MembershipMember
	}
	u.Email = NormalizeEmail(u.Email)
	u.AccountType = models.AccountGroup
	inv.GroupID = g.ID
	inv.CreatedBy = u.ID
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	g.CreatedAt = now
	inv.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create group account: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, account_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, nullString(u.Name), string(u.AccountType), u.CreatedAt, u.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create group account: user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO groups (id, name, url, created_at) VALUES (?, ?, ?, ?)",
		g.ID, g.Name, nullString(g.URL), g.CreatedAt,
	); err != nil {
		return fmt.Errorf("create group account: group: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memberships (group_id, user_id, role, created_at) VALUES (?, ?, ?, ?)",
		g.ID, u.ID, string(models.MembershipOwner), now,
	); err != nil {
		return fmt.Errorf("create group account: membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invitations (id, code, group_id, created_by, email, role, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Code, inv.GroupID, inv.CreatedBy,
		nullString(inv.Email), string(inv.Role),
		nullTime(inv.ExpiresAt), nullTime(inv.UsedAt), inv.CreatedAt,
	); err != nil {
		return fmt.Errorf("create group account: invitation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create group account: %w", err)
	}
	return nil
}

// GetGroup looks a group up by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, url, created_at FROM groups WHERE id = ?", id)

	var (
		g   models.Group
		url sql.NullString
	)
	err := row.Scan(&g.ID, &g.Name, &url, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.URL = url.String
	return &g, nil
}

// AddMember records a membership; re-adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, groupID, userID string, role models.MembershipRole) error {
	_, err := s.exec(ctx, `
		INSERT OR IGNORE INTO memberships (group_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)`,
		groupID, userID, string(role), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the group.
func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE group_id = ? AND user_id = ?",
		groupID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}

// ListMemberships returns the user's group memberships.
func (s *Store) ListMemberships(ctx context.Context, userID string) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, user_id, role, created_at FROM memberships
		WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		var role string
		if err := rows.Scan(&m.GroupID, &m.UserID, &role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Role = models.MembershipRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateInvitation inserts an invitation code for a group.
func (s *Store) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Code == "" {
		inv.Code = uuid.New().String()
	}
	if inv.Role == "" {
		inv.Role = models.MembershipMember
	}
	inv.CreatedAt = s.now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO invitations (id, code, group_id, created_by, email, role, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Code, inv.GroupID, inv.CreatedBy,
		nullString(inv.Email), string(inv.Role),
		nullTime(inv.ExpiresAt), nullTime(inv.UsedAt), inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// GetInvitationByCode looks an invitation up by its code.
func (s *Store) GetInvitationByCode(ctx context.Context, code string) (*models.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, group_id, created_by, email, role, expires_at, used_at, created_at
		FROM invitations WHERE code = ?`, code)

	var (
		inv               models.Invitation
		email             sql.NullString
		role              string
		expiresAt, usedAt sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.Code, &inv.GroupID, &inv.CreatedBy, &email, &role, &expiresAt, &usedAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	inv.Email = email.String
	inv.Role = models.MembershipRole(role)
	inv.ExpiresAt = timePtr(expiresAt)
	inv.UsedAt = timePtr(usedAt)
	return &inv, nil
}

// UseInvitation marks the invitation consumed. The write is guarded on
// used_at IS NULL so concurrent acceptances settle to exactly one winner;
// the return reports whether this call won.
func (s *Store) UseInvitation(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx,
		"UPDATE invitations SET used_at = ? WHERE id = ? AND used_at IS NULL",
		s.now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("use invitation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("use invitation: %w", err)
	}
	return n > 0, nil
}
