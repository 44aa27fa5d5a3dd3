// Package viewer downloads referenced URLs into per-user temp files so
// tools and the web client can read attachments locally. Files live
// under <data_dir>/tmp/<userId>/ and are swept once they age out.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/pkg/models"
)

// ErrNotFound is returned when a file id is unknown or owned by someone
// else.
var ErrNotFound = errors.New("viewer: file not found")

// TokenSource provides OAuth bearer tokens for known provider hosts.
type TokenSource interface {
	Connections(ctx context.Context, userID string) (map[string][]oauth.Connection, error)
	Token(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error)
}

// DownloadRequest names the remote file to fetch.
type DownloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

type entry struct {
	file   models.ViewerFile
	userID string
	added  time.Time
}

// Service downloads and serves viewer attachments. The index of live
// files is in-memory: attachments are transient by design and do not
// survive a restart, though the sweeper still clears their files.
type Service struct {
	root       string
	tokens     TokenSource
	client     *http.Client
	maxSize    int64
	sweepAfter time.Duration
	tick       time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu    sync.Mutex
	files map[string]*entry
}

type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// WithTickInterval overrides the sweep cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) { s.tick = d }
}

// New builds the viewer service rooted at <dataDir>/tmp.
func New(dataDir string, tokens TokenSource, cfg config.ViewerConfig, opts ...Option) *Service {
	s := &Service{
		root:       filepath.Join(dataDir, "tmp"),
		tokens:     tokens,
		client:     &http.Client{Timeout: 2 * time.Minute},
		maxSize:    cfg.MaxFileSize,
		sweepAfter: cfg.SweepAfter,
		tick:       time.Hour,
		now:        time.Now,
		log:        slog.Default().With("component", "viewer"),
		files:      make(map[string]*entry),
	}
	if s.maxSize <= 0 {
		s.maxSize = 100 << 20
	}
	if s.sweepAfter <= 0 {
		s.sweepAfter = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Download fetches the URL into the user's temp directory and returns
// the handle the client and tools use to reach it.
func (s *Service) Download(ctx context.Context, userID string, req DownloadRequest) (*models.ViewerFile, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("viewer: invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("viewer: unsupported url scheme %q", parsed.Scheme)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("viewer: build request: %w", err)
	}
	s.authorize(ctx, userID, parsed.Host, httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("viewer: fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("viewer: fetch %s: status %d", parsed.Host, resp.StatusCode)
	}

	name := fileName(req, parsed)
	id := uuid.NewString()
	dir := filepath.Join(s.root, userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("viewer: create temp dir: %w", err)
	}
	target := filepath.Join(dir, id+safeExt(name))

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("viewer: create temp file: %w", err)
	}
	size, err := io.Copy(out, io.LimitReader(resp.Body, s.maxSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
		return nil, fmt.Errorf("viewer: write temp file: %w", err)
	}
	if size > s.maxSize {
		os.Remove(target)
		return nil, fmt.Errorf("viewer: file exceeds %d bytes", s.maxSize)
	}

	file := models.ViewerFile{
		ID:           id,
		Name:         name,
		MimeType:     mimeType(req, resp, name),
		PreviewURL:   "/api/viewer/files/" + id,
		SourceURL:    req.URL,
		FileURI:      "file://" + target,
		AbsolutePath: target,
		Size:         size,
	}

	s.mu.Lock()
	s.files[id] = &entry{file: file, userID: userID, added: s.now()}
	s.mu.Unlock()

	s.log.Info("downloaded attachment", "userId", userID, "name", name, "size", size)
	return &file, nil
}

// Open returns the handle for a previously downloaded file. Ownership is
// enforced: another user's id behaves as missing.
func (s *Service) Open(id, userID string) (*models.ViewerFile, error) {
	s.mu.Lock()
	e, ok := s.files[id]
	s.mu.Unlock()
	if !ok || e.userID != userID {
		return nil, ErrNotFound
	}
	if _, err := os.Stat(e.file.AbsolutePath); err != nil {
		return nil, ErrNotFound
	}
	f := e.file
	return &f, nil
}

// Sweep removes files older than the retention window, both from the
// index and from disk (covering files left by a previous process), and
// returns how many it deleted.
func (s *Service) Sweep() int {
	cutoff := s.now().Add(-s.sweepAfter)
	removed := 0

	s.mu.Lock()
	for id, e := range s.files {
		if e.added.Before(cutoff) {
			if err := os.Remove(e.file.AbsolutePath); err != nil && !os.IsNotExist(err) {
				s.log.Warn("sweep remove failed", "path", e.file.AbsolutePath, "error", err)
			}
			delete(s.files, id)
			removed++
		}
	}
	tracked := make(map[string]struct{}, len(s.files))
	for _, e := range s.files {
		tracked[e.file.AbsolutePath] = struct{}{}
	}
	s.mu.Unlock()

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return removed
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, d.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			p := filepath.Join(dir, f.Name())
			if _, ok := tracked[p]; ok {
				continue
			}
			info, err := f.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info("swept attachments", "removed", removed)
	}
	return removed
}

// Start runs the sweep loop until the context ends.
func (s *Service) Start(ctx context.Context) {
	if s.tick <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// authorize attaches a bearer token when the host belongs to a provider
// the user has connected. Failures are logged and the fetch proceeds
// unauthenticated; the URL may be public.
func (s *Service) authorize(ctx context.Context, userID, host string, req *http.Request) {
	providerName := providerForHost(host)
	if providerName == "" || s.tokens == nil {
		return
	}
	conns, err := s.tokens.Connections(ctx, userID)
	if err != nil {
		s.log.Warn("list connections failed", "provider", providerName, "error", err)
		return
	}
	accounts := conns[providerName]
	if len(accounts) == 0 {
		return
	}
	token, err := s.tokens.Token(ctx, userID, providerName, accounts[0].AccountEmail)
	if err != nil {
		s.log.Warn("bearer token unavailable", "provider", providerName, "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
}

// providerForHost maps a download host to the OAuth provider whose
// token authorizes it.
func providerForHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	switch {
	case host == "googleapis.com",
		strings.HasSuffix(host, ".googleapis.com"),
		strings.HasSuffix(host, ".googleusercontent.com"),
		host == "drive.google.com",
		host == "docs.google.com":
		return "google"
	case host == "api.github.com",
		strings.HasSuffix(host, ".githubusercontent.com"):
		return "github"
	}
	return ""
}

func fileName(req DownloadRequest, parsed *url.URL) string {
	if req.Filename != "" {
		return filepath.Base(req.Filename)
	}
	if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return "download"
}

func mimeType(req DownloadRequest, resp *http.Response, name string) string {
	if req.MimeType != "" {
		return req.MimeType
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			return parsed
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// safeExt keeps the original extension on disk so previews open with
// the right application, constrained to a short alphanumeric suffix.
func safeExt(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || len(ext) > 12 {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return ext
}
