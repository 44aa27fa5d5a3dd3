package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

const defaultDebounce = 250 * time.Millisecond

// Manager reconciles the skills directory into the store and answers
// which skills apply to a role.
type Manager struct {
	dir      string
	store    *store.Store
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDebounce overrides how long file events settle before a resync.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager creates a manager for the given skills directory.
func NewManager(dir string, st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		dir:      dir,
		store:    st,
		log:      slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "skills")
	return m
}

// Sync scans the directory and reconciles the store: every parseable
// *.md file is upserted, and file-owned rows whose file disappeared are
// removed. Rows created directly in the store are left alone. Invalid
// files are logged and skipped.
func (m *Manager) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		sk, err := ParseFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			m.log.Warn("skipping invalid skill file", "file", entry.Name(), "error", err)
			continue
		}
		if err := m.store.UpsertSkill(ctx, sk); err != nil {
			return err
		}
		seen[sk.ID] = true
	}

	existing, err := m.store.ListSkills(ctx, false)
	if err != nil {
		return err
	}
	for i := range existing {
		sk := &existing[i]
		if fromFile(sk) && !seen[sk.ID] {
			if err := m.store.DeleteSkill(ctx, sk.ID); err != nil {
				return err
			}
			m.log.Info("removed skill for deleted file", "skillId", sk.ID)
		}
	}
	return nil
}

// Watch starts watching the skills directory, resyncing after changes
// settle. Creates the directory if missing. Idempotent.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create skills dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		m.mu.Unlock()
		return fmt.Errorf("watch skills dir: %w", err)
	}
	m.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleSync := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Sync(context.Background()); err != nil {
				m.log.Warn("skill resync failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleSync()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("skill watch error", "error", err)
		}
	}
}

// ForRole returns the enabled skills that apply to a role. Enabled
// skills apply by default; a "false" toggle switches one off for that
// role. Globally disabled skills never apply.
func (m *Manager) ForRole(ctx context.Context, userID, roleID string) ([]models.Skill, error) {
	all, err := m.store.ListSkills(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	toggles, err := m.store.ListSettings(ctx, userID, RoleTogglePrefix(roleID))
	if err != nil {
		return nil, err
	}

	var out []models.Skill
	for _, sk := range all {
		if toggles[sk.ID] == "false" {
			continue
		}
		out = append(out, sk)
	}
	return out, nil
}

// RoleTogglePrefix is the settings namespace holding a role's skill
// toggles.
func RoleTogglePrefix(roleID string) string {
	return "skills." + roleID + "."
}

// ToggleKey is the settings key that switches one skill for one role.
func ToggleKey(roleID, skillID string) string {
	return RoleTogglePrefix(roleID) + skillID
}
