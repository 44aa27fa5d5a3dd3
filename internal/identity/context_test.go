package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/troupe/pkg/models"
)

func TestResolveRoleOwnership(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	owner, _, err := svc.SignupIndividual(ctx, "owner@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}
	other, _, err := svc.SignupIndividual(ctx, "other@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}
	role := &models.Role{UserID: owner.ID, Name: "Assistant"}
	if err := st.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	rc, err := svc.ResolveRole(ctx, owner.ID, role.ID)
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if rc.UserID != owner.ID || rc.RoleID != role.ID || rc.Role == nil {
		t.Errorf("role context = %+v", rc)
	}

	if _, err := svc.ResolveRole(ctx, other.ID, role.ID); !errors.Is(err, ErrRoleForbidden) {
		t.Errorf("foreign role = %v, want ErrRoleForbidden", err)
	}
	if _, err := svc.ResolveRole(ctx, owner.ID, "missing"); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("missing role = %v, want ErrRoleNotFound", err)
	}
}

func TestResolveRoleThroughGroup(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	out, err := svc.SignupGroup(ctx, "owner@x.com", "", "Acme", "")
	if err != nil {
		t.Fatalf("SignupGroup() error = %v", err)
	}
	member, _, err := svc.SignupIndividual(ctx, "member@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}
	outsider, _, err := svc.SignupIndividual(ctx, "outsider@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}
	if _, err := svc.AcceptInvitation(ctx, out.Invitation.Code, member.ID); err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}

	shared := &models.Role{UserID: out.User.ID, GroupID: out.Group.ID, Name: "Team"}
	if err := st.CreateRole(ctx, shared); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	rc, err := svc.ResolveRole(ctx, member.ID, shared.ID)
	if err != nil {
		t.Fatalf("ResolveRole() through group error = %v", err)
	}
	if rc.GroupID != out.Group.ID {
		t.Errorf("groupID = %q, want %q", rc.GroupID, out.Group.ID)
	}

	if _, err := svc.ResolveRole(ctx, outsider.ID, shared.ID); !errors.Is(err, ErrRoleForbidden) {
		t.Errorf("outsider = %v, want ErrRoleForbidden", err)
	}
}

func TestSwitchRolePersistsSelection(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.SignupIndividual(ctx, "u@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}

	current, err := svc.CurrentRoleID(ctx, user.ID)
	if err != nil {
		t.Fatalf("CurrentRoleID() error = %v", err)
	}
	if current != "" {
		t.Errorf("initial selection = %q, want empty", current)
	}

	role := &models.Role{UserID: user.ID, Name: "Research"}
	if err := st.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if _, err := svc.SwitchRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("SwitchRole() error = %v", err)
	}

	current, err = svc.CurrentRoleID(ctx, user.ID)
	if err != nil {
		t.Fatalf("CurrentRoleID() error = %v", err)
	}
	if current != role.ID {
		t.Errorf("selection = %q, want %q", current, role.ID)
	}

	// Switching to a role the user cannot use does not change the selection.
	if _, err := svc.SwitchRole(ctx, user.ID, "missing"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("SwitchRole(missing) = %v, want ErrRoleNotFound", err)
	}
	current, _ = svc.CurrentRoleID(ctx, user.ID)
	if current != role.ID {
		t.Errorf("selection after failed switch = %q, want %q", current, role.ID)
	}
}

func TestForgetRoleClearsSelection(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.SignupIndividual(ctx, "u@x.com", "")
	if err != nil {
		t.Fatalf("SignupIndividual() error = %v", err)
	}
	active := &models.Role{UserID: user.ID, Name: "Active"}
	other := &models.Role{UserID: user.ID, Name: "Other"}
	for _, role := range []*models.Role{active, other} {
		if err := st.CreateRole(ctx, role); err != nil {
			t.Fatalf("CreateRole() error = %v", err)
		}
	}
	if _, err := svc.SwitchRole(ctx, user.ID, active.ID); err != nil {
		t.Fatalf("SwitchRole() error = %v", err)
	}

	// Forgetting a role that is not selected leaves the selection alone.
	if err := svc.ForgetRole(ctx, user.ID, other.ID); err != nil {
		t.Fatalf("ForgetRole(other) error = %v", err)
	}
	current, _ := svc.CurrentRoleID(ctx, user.ID)
	if current != active.ID {
		t.Errorf("selection = %q, want %q", current, active.ID)
	}

	if err := svc.ForgetRole(ctx, user.ID, active.ID); err != nil {
		t.Fatalf("ForgetRole(active) error = %v", err)
	}
	current, err = svc.CurrentRoleID(ctx, user.ID)
	if err != nil {
		t.Fatalf("CurrentRoleID() error = %v", err)
	}
	if current != "" {
		t.Errorf("selection after forget = %q, want empty", current)
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFromContext(ctx); ok {
		t.Error("empty context should hold no user")
	}

	user := &models.User{ID: "u1", Email: "u@x.com"}
	ctx = WithUser(ctx, user)
	got, ok := UserFromContext(ctx)
	if !ok || got.ID != "u1" {
		t.Errorf("UserFromContext() = %+v, %v", got, ok)
	}

	rc := &RoleContext{UserID: "u1", RoleID: "r1"}
	ctx = WithRoleContext(ctx, rc)
	gotRC, ok := RoleContextFromContext(ctx)
	if !ok || gotRC.RoleID != "r1" {
		t.Errorf("RoleContextFromContext() = %+v, %v", gotRC, ok)
	}
}
