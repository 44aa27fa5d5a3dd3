package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

func TestSignupAndLogin(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodPost, "/api/auth/signup/individual",
		map[string]string{"email": "ada@example.com", "name": "Ada"}, nil)
	data := wantSuccess(t, rec)
	user, ok := data["user"].(map[string]any)
	if !ok {
		t.Fatalf("data has no user object: %v", data)
	}
	if user["email"] != "ada@example.com" {
		t.Errorf("email = %v, want ada@example.com", user["email"])
	}
	cookie := sessionCookieFrom(t, rec)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("signup set no session cookie")
	}
	if !cookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}

	rec = f.do(http.MethodPost, "/api/auth/check-email",
		map[string]string{"email": "ada@example.com"}, nil)
	if data := wantSuccess(t, rec); data["exists"] != true {
		t.Errorf("exists = %v, want true", data["exists"])
	}

	rec = f.do(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "ada@example.com"}, nil)
	wantSuccess(t, rec)
	if c := sessionCookieFrom(t, rec); c == nil || c.Value == "" {
		t.Error("login set no session cookie")
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "nobody@example.com"}, nil)
	if msg := wantFailure(t, rec); msg != "no account for that email" {
		t.Errorf("message = %q", msg)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	f := newWebFixture(t)
	f.signup("ada@example.com")

	rec := f.do(http.MethodPost, "/api/auth/signup/individual",
		map[string]string{"email": "ada@example.com", "name": "Again"}, nil)
	if msg := wantFailure(t, rec); msg != "email already registered" {
		t.Errorf("message = %q", msg)
	}
}

func TestProtectedEndpointRequiresSession(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodGet, "/api/roles", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Error("unauthorized response should not be successful")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")

	rec := f.do(http.MethodGet, "/api/roles", nil, session)
	wantSuccess(t, rec)

	rec = f.do(http.MethodPost, "/api/auth/logout", nil, session)
	wantSuccess(t, rec)
	if c := sessionCookieFrom(t, rec); c == nil || c.MaxAge != -1 {
		t.Error("logout should expire the session cookie")
	}

	rec = f.do(http.MethodGet, "/api/roles", nil, session)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")

	rec := f.do(http.MethodPatch, "/api/auth/me",
		map[string]string{"timezone": "Europe/Berlin", "locale": "de-DE", "discordUserId": "123"}, session)
	data := wantSuccess(t, rec)
	user := data["user"].(map[string]any)
	if user["timezone"] != "Europe/Berlin" {
		t.Errorf("timezone = %v, want Europe/Berlin", user["timezone"])
	}
	if user["locale"] != "de-DE" {
		t.Errorf("locale = %v, want de-DE", user["locale"])
	}
	if user["discordUserId"] != "123" {
		t.Errorf("discordUserId = %v, want 123", user["discordUserId"])
	}

	// Untouched fields survive a partial patch.
	rec = f.do(http.MethodGet, "/api/auth/me", nil, session)
	user = wantSuccess(t, rec)["user"].(map[string]any)
	if user["name"] != "Test User" {
		t.Errorf("name = %v, want Test User", user["name"])
	}
}

func TestEnvIsPublic(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodGet, "/api/env", nil, nil)
	data := wantSuccess(t, rec)
	if data["env"] != "test" {
		t.Errorf("env = %v, want test", data["env"])
	}
	if data["isTest"] != true {
		t.Errorf("isTest = %v, want true", data["isTest"])
	}
	if data["isProduction"] != false {
		t.Errorf("isProduction = %v, want false", data["isProduction"])
	}
}

func TestGroupSignupAndInvitation(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodPost, "/api/auth/signup/group", map[string]string{
		"email":     "owner@example.com",
		"name":      "Owner",
		"groupName": "Acme",
	}, nil)
	data := wantSuccess(t, rec)
	invitation, ok := data["invitation"].(map[string]any)
	if !ok {
		t.Fatalf("group signup returned no invitation: %v", data)
	}
	code, _ := invitation["code"].(string)
	if code == "" {
		t.Fatal("invitation has no code")
	}
	if group := data["group"].(map[string]any); group["name"] != "Acme" {
		t.Errorf("group name = %v, want Acme", group["name"])
	}

	_, session := f.signup("member@example.com")
	rec = f.do(http.MethodPost, "/api/invitations/accept",
		map[string]string{"code": code}, session)
	joined := wantSuccess(t, rec)["group"].(map[string]any)
	if joined["name"] != "Acme" {
		t.Errorf("joined group = %v, want Acme", joined["name"])
	}

	// A single-use code cannot admit a second account.
	_, other := f.signup("other@example.com")
	rec = f.do(http.MethodPost, "/api/invitations/accept",
		map[string]string{"code": code}, other)
	if msg := wantFailure(t, rec); msg != "invitation already used" {
		t.Errorf("message = %q", msg)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodGet, "/api/auth/login", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthz(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil, nil)
	if data := wantSuccess(t, rec); data["status"] != "ok" {
		t.Errorf("status = %v, want ok", data["status"])
	}
}
