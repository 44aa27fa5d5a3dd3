package identity

import (
	"context"
	"errors"

	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

var (
	ErrRoleNotFound  = errors.New("role not found")
	ErrRoleForbidden = errors.New("role does not belong to user")
)

// currentRoleKey is the per-user setting holding the selected role.
const currentRoleKey = "current_role"

// RoleContext is the resolved tenancy for one request. It is immutable
// once built.
type RoleContext struct {
	UserID  string
	RoleID  string
	GroupID string
	Role    *models.Role
}

type userContextKey struct{}

type roleContextKey struct{}

// WithUser attaches an authenticated user to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated user from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// WithRoleContext attaches a resolved role context.
func WithRoleContext(ctx context.Context, rc *RoleContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, roleContextKey{}, rc)
}

// RoleContextFromContext retrieves the resolved role context.
func RoleContextFromContext(ctx context.Context) (*RoleContext, bool) {
	rc, ok := ctx.Value(roleContextKey{}).(*RoleContext)
	return rc, ok
}

// ResolveRole checks that the role belongs to the user directly or through
// a group membership and returns the request's role context.
func (s *Service) ResolveRole(ctx context.Context, userID, roleID string) (*RoleContext, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, err
	}

	if role.UserID != userID {
		if role.GroupID == "" {
			return nil, ErrRoleForbidden
		}
		member, err := s.store.IsMember(ctx, role.GroupID, userID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, ErrRoleForbidden
		}
	}

	return &RoleContext{
		UserID:  userID,
		RoleID:  role.ID,
		GroupID: role.GroupID,
		Role:    role,
	}, nil
}

// SwitchRole persists the user's selected role. The server-side setting is
// the source of truth the client bootstraps from.
func (s *Service) SwitchRole(ctx context.Context, userID, roleID string) (*RoleContext, error) {
	rc, err := s.ResolveRole(ctx, userID, roleID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetSetting(ctx, userID, currentRoleKey, roleID); err != nil {
		return nil, err
	}
	return rc, nil
}

// CurrentRoleID returns the user's persisted role selection, or empty when
// none has been made.
func (s *Service) CurrentRoleID(ctx context.Context, userID string) (string, error) {
	v, err := s.store.GetSetting(ctx, userID, currentRoleKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// ForgetRole clears the user's persisted selection when it points at the
// given role, so a deleted role never lingers as the current one.
func (s *Service) ForgetRole(ctx context.Context, userID, roleID string) error {
	current, err := s.CurrentRoleID(ctx, userID)
	if err != nil {
		return err
	}
	if current != roleID {
		return nil
	}
	return s.store.DeleteSetting(ctx, userID, currentRoleKey)
}
