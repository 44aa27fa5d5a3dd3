package store

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/troupe/pkg/models"
)

func TestListRolesOwnAndGroupShared(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if err := s.CreateUser(ctx, &models.User{ID: "user-" + email, Email: email}); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", email, err)
		}
	}
	group := &models.Group{ID: "g1", Name: "Acme"}
	if err := s.CreateGroup(ctx, group); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := s.AddMember(ctx, "g1", "user-a@x.com", models.MembershipOwner); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := s.AddMember(ctx, "g1", "user-b@x.com", models.MembershipMember); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	roles := []*models.Role{
		{ID: "own-a", UserID: "user-a@x.com", Name: "Personal"},
		{ID: "shared", UserID: "user-a@x.com", GroupID: "g1", Name: "Team"},
		{ID: "own-c", UserID: "user-c@x.com", Name: "Outsider"},
	}
	for _, r := range roles {
		if err := s.CreateRole(ctx, r); err != nil {
			t.Fatalf("CreateRole(%s) error = %v", r.ID, err)
		}
	}

	// Member b sees the shared role but not a's personal role.
	got, err := s.ListRoles(ctx, "user-b@x.com")
	if err != nil {
		t.Fatalf("ListRoles() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "shared" {
		t.Errorf("roles for b = %+v, want only shared", got)
	}

	// Owner a sees both.
	got, err = s.ListRoles(ctx, "user-a@x.com")
	if err != nil {
		t.Fatalf("ListRoles() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("roles for a = %d, want 2", len(got))
	}

	// Outsider c sees only their own.
	got, err = s.ListRoles(ctx, "user-c@x.com")
	if err != nil {
		t.Fatalf("ListRoles() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "own-c" {
		t.Errorf("roles for c = %+v, want only own-c", got)
	}
}

func TestDeleteRoleCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, &models.User{ID: "u1", Email: "u@x.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	role := &models.Role{ID: "r1", UserID: "u1", Name: "Helper"}
	if err := s.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := s.SaveMessage(ctx, &models.Message{UserID: "u1", RoleID: "r1", Role: models.MessageRoleUser, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if _, err := s.InsertInsight(ctx, &models.MemoryInsight{RoleID: "r1", Title: "t", Content: "c", Hash: "h"}); err != nil {
		t.Fatalf("InsertInsight() error = %v", err)
	}

	if err := s.DeleteRole(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRole() error = %v", err)
	}

	if _, err := s.GetRole(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRole() = %v, want ErrNotFound", err)
	}
	page, err := s.ListMessages(ctx, "u1", "r1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("messages = %d, want 0 after role delete", len(page.Messages))
	}
	insights, err := s.ListInsights(ctx, "r1")
	if err != nil {
		t.Fatalf("ListInsights() error = %v", err)
	}
	if len(insights) != 0 {
		t.Errorf("insights = %d, want 0 after role delete", len(insights))
	}
}

func TestInsertInsightDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.InsertInsight(ctx, &models.MemoryInsight{RoleID: "r1", Title: "Budget", Content: "prefers Q2 budget in euros", Hash: "h1"})
	if err != nil {
		t.Fatalf("InsertInsight() error = %v", err)
	}
	if !first {
		t.Fatal("first insert should land")
	}

	dup, err := s.InsertInsight(ctx, &models.MemoryInsight{RoleID: "r1", Title: "Budget again", Content: "prefers Q2 budget in euros", Hash: "h1"})
	if err != nil {
		t.Fatalf("InsertInsight() duplicate error = %v", err)
	}
	if dup {
		t.Error("duplicate hash should not land")
	}

	// Same hash under another role is a distinct memory.
	other, err := s.InsertInsight(ctx, &models.MemoryInsight{RoleID: "r2", Title: "Budget", Content: "prefers Q2 budget in euros", Hash: "h1"})
	if err != nil {
		t.Fatalf("InsertInsight() other role error = %v", err)
	}
	if !other {
		t.Error("same hash under a different role should land")
	}
}

func TestInsightFingerprintChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fp0, err := s.InsightFingerprint(ctx, "r1")
	if err != nil {
		t.Fatalf("InsightFingerprint() error = %v", err)
	}

	in := &models.MemoryInsight{RoleID: "r1", Title: "t", Content: "c", Hash: "h"}
	if _, err := s.InsertInsight(ctx, in); err != nil {
		t.Fatalf("InsertInsight() error = %v", err)
	}
	fp1, err := s.InsightFingerprint(ctx, "r1")
	if err != nil {
		t.Fatalf("InsightFingerprint() error = %v", err)
	}
	if fp1 == fp0 {
		t.Error("fingerprint should change after insert")
	}

	if _, err := s.DeleteInsights(ctx, []string{in.ID}); err != nil {
		t.Fatalf("DeleteInsights() error = %v", err)
	}
	fp2, err := s.InsightFingerprint(ctx, "r1")
	if err != nil {
		t.Fatalf("InsightFingerprint() error = %v", err)
	}
	if fp2 == fp1 {
		t.Error("fingerprint should change after delete")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "u1", "current_role"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting() = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, "u1", "current_role", "r1"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := s.SetSetting(ctx, "u1", "current_role", "r2"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}

	v, err := s.GetSetting(ctx, "u1", "current_role")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if v != "r2" {
		t.Errorf("value = %q, want r2", v)
	}

	// Prefix listing for per-role skill toggles.
	if err := s.SetSetting(ctx, "u1", "skills.r1.research", "true"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := s.SetSetting(ctx, "u1", "skills.r1.drafting", "false"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	m, err := s.ListSettings(ctx, "u1", "skills.r1.")
	if err != nil {
		t.Fatalf("ListSettings() error = %v", err)
	}
	if len(m) != 2 || m["research"] != "true" || m["drafting"] != "false" {
		t.Errorf("settings = %v, want research/drafting toggles", m)
	}
}
