package web

import (
	"context"
	"net/http"
	"testing"

	"github.com/haasonsaas/troupe/pkg/models"
)

func TestCreateAndListRoles(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")

	rec := f.do(http.MethodPost, "/api/roles", map[string]string{"name": "Concierge"}, session)
	role := wantSuccess(t, rec)["role"].(map[string]any)
	if role["name"] != "Concierge" {
		t.Errorf("name = %v, want Concierge", role["name"])
	}
	roleID, _ := role["id"].(string)
	if roleID == "" {
		t.Fatal("created role has no id")
	}

	rec = f.do(http.MethodGet, "/api/roles", nil, session)
	data := wantSuccess(t, rec)
	roles := data["roles"].([]any)
	if len(roles) != 1 {
		t.Fatalf("roles = %d, want 1", len(roles))
	}
	if data["currentRoleId"] != "" {
		t.Errorf("currentRoleId = %v, want empty before any switch", data["currentRoleId"])
	}
}

func TestCreateRoleRequiresName(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")

	rec := f.do(http.MethodPost, "/api/roles", map[string]string{"name": "  "}, session)
	if msg := wantFailure(t, rec); msg != "name is required" {
		t.Errorf("message = %q", msg)
	}
}

func TestDeleteRole(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	doomed := f.createRole(user.ID, "Doomed")
	kept := f.createRole(user.ID, "Kept")

	rec := f.do(http.MethodPost, "/api/roles/"+doomed.ID+"/switch", nil, session)
	wantSuccess(t, rec)
	rec = f.do(http.MethodPost, "/api/messages", map[string]string{
		"roleId": doomed.ID, "content": "hello",
	}, session)
	wantSuccess(t, rec)

	rec = f.do(http.MethodDelete, "/api/roles/"+doomed.ID, nil, session)
	data := wantSuccess(t, rec)
	if data["deleted"] != true {
		t.Errorf("deleted = %v, want true", data["deleted"])
	}

	// The role is gone, the selection is cleared, and its history no
	// longer resolves.
	rec = f.do(http.MethodGet, "/api/roles", nil, session)
	data = wantSuccess(t, rec)
	roles := data["roles"].([]any)
	if len(roles) != 1 {
		t.Fatalf("roles = %d, want 1", len(roles))
	}
	if id := roles[0].(map[string]any)["id"]; id != kept.ID {
		t.Errorf("surviving role = %v, want %s", id, kept.ID)
	}
	if data["currentRoleId"] != "" {
		t.Errorf("currentRoleId = %v, want empty after delete", data["currentRoleId"])
	}
	rec = f.do(http.MethodGet, "/api/messages?roleId="+doomed.ID, nil, session)
	if msg := wantFailure(t, rec); msg != "role not found" {
		t.Errorf("messages for deleted role = %q, want role not found", msg)
	}
}

func TestDeleteRoleCreatorOnly(t *testing.T) {
	f := newWebFixture(t)
	out, err := f.handler.config.Identity.SignupGroup(context.Background(), "owner@example.com", "Owner", "Acme", "")
	if err != nil {
		t.Fatalf("group signup: %v", err)
	}
	member, memberSession := f.signup("member@example.com")
	if _, err := f.handler.config.Identity.AcceptInvitation(context.Background(), out.Invitation.Code, member.ID); err != nil {
		t.Fatalf("accept invitation: %v", err)
	}
	shared := &models.Role{UserID: out.User.ID, GroupID: out.Group.ID, Name: "Shared"}
	if err := f.store.CreateRole(context.Background(), shared); err != nil {
		t.Fatalf("create role: %v", err)
	}

	rec := f.do(http.MethodDelete, "/api/roles/"+shared.ID, nil, memberSession)
	if msg := wantFailure(t, rec); msg != "only the role's creator can delete it" {
		t.Errorf("member delete = %q", msg)
	}

	_, foreignSession := f.signup("outsider@example.com")
	rec = f.do(http.MethodDelete, "/api/roles/"+shared.ID, nil, foreignSession)
	if msg := wantFailure(t, rec); msg != "role does not belong to you" {
		t.Errorf("outsider delete = %q", msg)
	}

	rec = f.do(http.MethodDelete, "/api/roles/"+shared.ID, nil, out.Session)
	data := wantSuccess(t, rec)
	if data["deleted"] != true {
		t.Errorf("creator delete = %v, want true", data["deleted"])
	}
}

func TestRoleSwitch(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")

	rec := f.do(http.MethodPost, "/api/roles/"+role.ID+"/switch", nil, session)
	data := wantSuccess(t, rec)
	if data["currentRoleId"] != role.ID {
		t.Errorf("currentRoleId = %v, want %s", data["currentRoleId"], role.ID)
	}

	// The selection is persisted.
	rec = f.do(http.MethodGet, "/api/roles", nil, session)
	if data := wantSuccess(t, rec); data["currentRoleId"] != role.ID {
		t.Errorf("persisted currentRoleId = %v, want %s", data["currentRoleId"], role.ID)
	}
}

func TestRoleSwitchEnforcesOwnership(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")
	other, _ := f.signup("bob@example.com")
	foreign := f.createRole(other.ID, "Bob's role")

	rec := f.do(http.MethodPost, "/api/roles/"+foreign.ID+"/switch", nil, session)
	if msg := wantFailure(t, rec); msg != "role does not belong to you" {
		t.Errorf("message = %q", msg)
	}

	rec = f.do(http.MethodPost, "/api/roles/missing/switch", nil, session)
	if msg := wantFailure(t, rec); msg != "role not found" {
		t.Errorf("message = %q", msg)
	}
}

func TestMemoryOverview(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")

	rec := f.do(http.MethodGet, "/api/roles/"+role.ID+"/memory-overview", nil, session)
	data := wantSuccess(t, rec)
	if data["empty"] != true {
		t.Errorf("empty = %v, want true with no memories", data["empty"])
	}

	f.memory.overview = "Ada prefers morning meetings."
	rec = f.do(http.MethodGet, "/api/roles/"+role.ID+"/memory-overview", nil, session)
	data = wantSuccess(t, rec)
	if data["empty"] != false {
		t.Errorf("empty = %v, want false", data["empty"])
	}
	if data["overview"] != "Ada prefers morning meetings." {
		t.Errorf("overview = %v", data["overview"])
	}
}

func TestRemoveMemories(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	f.memory.removed = []string{"Coffee order", "Desk location"}

	rec := f.do(http.MethodPost, "/api/roles/"+role.ID+"/remove-memories",
		map[string]string{"selection": "1,2"}, session)
	data := wantSuccess(t, rec)
	if data["count"] != float64(2) {
		t.Errorf("count = %v, want 2", data["count"])
	}

	rec = f.do(http.MethodPost, "/api/roles/"+role.ID+"/remove-memories",
		map[string]string{}, session)
	if msg := wantFailure(t, rec); msg != "selection is required" {
		t.Errorf("message = %q", msg)
	}
}

func TestEditMemories(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	f.memory.updated = []string{"Coffee order"}

	rec := f.do(http.MethodPost, "/api/roles/"+role.ID+"/edit-memories",
		map[string]string{"selection": "1", "instruction": "she switched to tea"}, session)
	if data := wantSuccess(t, rec); data["count"] != float64(1) {
		t.Errorf("count = %v, want 1", data["count"])
	}

	rec = f.do(http.MethodPost, "/api/roles/"+role.ID+"/edit-memories",
		map[string]string{"selection": "1"}, session)
	if msg := wantFailure(t, rec); msg != "selection and instruction are required" {
		t.Errorf("message = %q", msg)
	}
}

func TestSaveToMemory(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	f.memory.saved = true

	rec := f.do(http.MethodPost, "/api/roles/"+role.ID+"/save-to-memory",
		map[string]string{"text": "Ada's badge number is 42."}, session)
	if data := wantSuccess(t, rec); data["saved"] != true {
		t.Errorf("saved = %v, want true", data["saved"])
	}
}

func TestMemoryEndpointsEnforceOwnership(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")
	other, _ := f.signup("bob@example.com")
	foreign := f.createRole(other.ID, "Bob's role")

	rec := f.do(http.MethodGet, "/api/roles/"+foreign.ID+"/memory-overview", nil, session)
	if msg := wantFailure(t, rec); msg != "role does not belong to you" {
		t.Errorf("message = %q", msg)
	}
}

func TestRoleHeaderResolution(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	other, _ := f.signup("bob@example.com")
	foreign := f.createRole(other.ID, "Bob's role")

	req := f.newRequest(http.MethodGet, "/api/messages?roleId="+role.ID, nil, session)
	req.Header.Set("X-Role-ID", foreign.ID)
	rec := f.serve(req)
	if msg := wantFailure(t, rec); msg != "role does not belong to you" {
		t.Errorf("message = %q", msg)
	}

	req = f.newRequest(http.MethodGet, "/api/messages?roleId="+role.ID, nil, session)
	req.Header.Set("X-Role-ID", role.ID)
	rec = f.serve(req)
	wantSuccess(t, rec)
}
