// Package identity implements email-keyed accounts, cookie sessions, and
// the group invitation lifecycle.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

var (
	ErrUnknownEmail      = errors.New("no account for email")
	ErrEmailTaken        = errors.New("email already registered")
	ErrNoSession         = errors.New("session missing or expired")
	ErrInvitationInvalid = errors.New("invitation invalid")
	ErrInvitationUsed    = errors.New("invitation already used")
	ErrInvitationExpired = errors.New("invitation expired")
)

// DefaultInvitationTTL bounds how long a signup invitation stays valid.
const DefaultInvitationTTL = 14 * 24 * time.Hour

// Service owns user accounts and their sessions.
type Service struct {
	store      *store.Store
	sessionTTL time.Duration
	inviteTTL  time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs an identity service over the store.
func NewService(st *store.Store, sessionTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		store:      st,
		sessionTTL: sessionTTL,
		inviteTTL:  DefaultInvitationTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckEmail reports whether an account exists for the email.
func (s *Service) CheckEmail(ctx context.Context, email string) (bool, error) {
	_, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Login issues a fresh session for an existing account.
func (s *Service) Login(ctx context.Context, email string) (*models.User, *models.Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownEmail
	}
	if err != nil {
		return nil, nil, err
	}
	session, err := s.store.CreateSession(ctx, user.ID, s.sessionTTL)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// SignupIndividual creates an individual account and logs it in.
func (s *Service) SignupIndividual(ctx context.Context, email, name string) (*models.User, *models.Session, error) {
	exists, err := s.CheckEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrEmailTaken
	}

	user := &models.User{Email: email, Name: name, AccountType: models.AccountIndividual}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, err
	}
	session, err := s.store.CreateSession(ctx, user.ID, s.sessionTTL)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// GroupSignup is the result of SignupGroup.
type GroupSignup struct {
	User       *models.User       `json:"user"`
	Group      *models.Group      `json:"group"`
	Invitation *models.Invitation `json:"invitation"`
	Session    *models.Session    `json:"-"`
}

// SignupGroup creates a group account: the owner, the group, the owner
// membership, and one shareable invitation, all or nothing.
func (s *Service) SignupGroup(ctx context.Context, email, name, groupName, groupURL string) (*GroupSignup, error) {
	exists, err := s.CheckEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailTaken
	}

	expires := s.now().UTC().Add(s.inviteTTL)
	out := &GroupSignup{
		User:       &models.User{Email: email, Name: name},
		Group:      &models.Group{Name: groupName, URL: groupURL},
		Invitation: &models.Invitation{Role: models.MembershipMember, ExpiresAt: &expires},
	}
	if err := s.store.CreateGroupAccount(ctx, out.User, out.Group, out.Invitation); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	out.Session, err = s.store.CreateSession(ctx, out.User.ID, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptInvitation consumes an invitation code for the user, adds the
// membership, and promotes the account to group. Of concurrent acceptances
// of one code exactly one succeeds.
func (s *Service) AcceptInvitation(ctx context.Context, code, userID string) (*models.Group, error) {
	inv, err := s.store.GetInvitationByCode(ctx, strings.TrimSpace(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvitationInvalid
	}
	if err != nil {
		return nil, err
	}
	if inv.UsedAt != nil {
		return nil, ErrInvitationUsed
	}
	if inv.ExpiresAt != nil && !inv.ExpiresAt.After(s.now()) {
		return nil, ErrInvitationExpired
	}

	won, err := s.store.UseInvitation(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrInvitationUsed
	}

	if err := s.store.AddMember(ctx, inv.GroupID, userID, inv.Role); err != nil {
		return nil, err
	}
	if err := s.store.SetAccountType(ctx, userID, models.AccountGroup); err != nil {
		return nil, err
	}
	return s.store.GetGroup(ctx, inv.GroupID)
}

// Authenticate resolves a session cookie value to its user.
func (s *Service) Authenticate(ctx context.Context, sessionID string) (*models.User, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	return user, err
}

// Logout discards the session. Unknown sessions are not an error.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, sessionID)
}

// UpdateProfile applies a partial profile update and returns the fresh user.
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch store.UserPatch) (*models.User, error) {
	if err := s.store.UpdateUser(ctx, userID, patch); err != nil {
		return nil, err
	}
	return s.store.GetUser(ctx, userID)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: users.email")
}
