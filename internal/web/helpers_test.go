package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/internal/mcp"
	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/internal/schedule"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/internal/viewer"
	"github.com/haasonsaas/troupe/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMemory scripts the memory review endpoints.
type fakeMemory struct {
	overview string
	removed  []string
	updated  []string
	saved    bool
	err      error
}

func (f *fakeMemory) Overview(ctx context.Context, roleID string) (string, error) {
	return f.overview, f.err
}

func (f *fakeMemory) Remove(ctx context.Context, roleID, selection string) ([]string, error) {
	return f.removed, f.err
}

func (f *fakeMemory) Edit(ctx context.Context, roleID, selection, instruction string) ([]string, error) {
	return f.updated, f.err
}

func (f *fakeMemory) SaveToMemory(ctx context.Context, roleID, text string) (bool, error) {
	return f.saved, f.err
}

// fakeStreamer records turns and writes a minimal SSE stream.
type fakeStreamer struct {
	mu    sync.Mutex
	turns []*chat.Turn
	err   error
}

func (f *fakeStreamer) StreamTurn(ctx context.Context, w http.ResponseWriter, turn *chat.Turn) error {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	return nil
}

func (f *fakeStreamer) lastTurn() *chat.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		return nil
	}
	return f.turns[len(f.turns)-1]
}

type webFixture struct {
	t       *testing.T
	store   *store.Store
	handler *Handler
	mounted http.Handler
	memory  *fakeMemory
	chat    *fakeStreamer
	broker  *oauth.Broker
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ident := identity.NewService(st, time.Hour)
	broker := oauth.NewBroker(st, "test-state-secret")
	broker.Register(oauth.NewProvider(oauth.ProviderConfig{
		Name:        "google",
		ClientID:    "client-id",
		RedirectURL: "http://127.0.0.1/api/auth/google/callback",
		AuthURL:     "https://accounts.example/authorize",
		TokenURL:    "https://accounts.example/token",
		UserInfoURL: "https://accounts.example/userinfo",
		Scopes:      []string{"email"},
	}))

	f := &webFixture{
		t:      t,
		store:  st,
		memory: &fakeMemory{},
		chat:   &fakeStreamer{},
		broker: broker,
	}
	f.handler = NewHandler(&Config{
		Store:    st,
		Identity: ident,
		OAuth:    broker,
		MCP:      mcp.NewRegistry(st, broker),
		Memory:   f.memory,
		Chat:     f.chat,
		Jobs:     schedule.NewRunner(st, nil, config.JobsConfig{}),
		Viewer:   viewer.New(t.TempDir(), nil, config.ViewerConfig{MaxFileSize: 1 << 20, SweepAfter: time.Hour}),
		Runtime:  &config.Config{Env: config.EnvTest, Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080}},
		Logger:   testLogger(),
	})
	f.mounted = f.handler.Mount()
	return f
}

// signup creates an individual account and returns its session.
func (f *webFixture) signup(email string) (*models.User, *models.Session) {
	f.t.Helper()
	user, session, err := f.handler.config.Identity.SignupIndividual(context.Background(), email, "Test User")
	if err != nil {
		f.t.Fatalf("signup %s: %v", email, err)
	}
	return user, session
}

// createRole inserts a role owned by userID.
func (f *webFixture) createRole(userID, name string) *models.Role {
	f.t.Helper()
	role := &models.Role{UserID: userID, Name: name}
	if err := f.store.CreateRole(context.Background(), role); err != nil {
		f.t.Fatalf("create role: %v", err)
	}
	return role
}

// newRequest builds a request with an optional JSON body and session
// cookie, leaving headers open for the caller to adjust.
func (f *webFixture) newRequest(method, target string, body any, session *models.Session) *http.Request {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != nil {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: session.ID})
	}
	return req
}

// serve runs a request through the mounted middleware chain.
func (f *webFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	f.t.Helper()
	rec := httptest.NewRecorder()
	f.mounted.ServeHTTP(rec, req)
	return rec
}

// do builds and serves a request in one step.
func (f *webFixture) do(method, target string, body any, session *models.Session) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.serve(f.newRequest(method, target, body, session))
}

// envelope is the decoded response wrapper used in assertions.
type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", rec.Body.String(), err)
	}
	return env
}

// wantSuccess asserts a 200 success envelope and returns its data.
func wantSuccess(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		t.Fatalf("success = false, error = %q", msg)
	}
	return env.Data
}

// wantFailure asserts a 200 business-failure envelope and returns the
// error message.
func wantFailure(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Fatalf("success = true, want business failure (body %s)", rec.Body.String())
	}
	if env.Error == nil || env.Error.Message == "" {
		t.Fatal("failure envelope carries no error message")
	}
	return env.Error.Message
}
