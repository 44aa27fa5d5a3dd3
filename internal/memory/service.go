// Package memory maintains the per-role insight store: durable facts
// distilled from conversation windows and served back as a compact
// overview during prompt assembly. Extraction, overview generation, and
// the natural-language remove and edit operations all run through the
// chat provider layer with near-deterministic sampling.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/troupe/internal/provider"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

const (
	// memoryTemperature keeps distillation output stable across runs.
	memoryTemperature = 0.1

	extractMaxTokens  = 1024
	overviewMaxTokens = 1024
	selectMaxTokens   = 512
	rewriteMaxTokens  = 1024

	// maxMessageChars bounds each transcript entry fed to the model.
	maxMessageChars = 2000
)

const extractPrompt = `You distill conversations into durable memories. From the transcript, extract facts worth keeping across sessions: stable preferences, decisions, biographical details, ongoing projects, commitments. Skip small talk, one-off requests, and tool mechanics. Reply with a JSON array of objects shaped {"title": "...", "content": "..."}; the title is at most eight words, the content one or two self-contained sentences. Reply with [] when nothing qualifies.`

const overviewPrompt = `You brief an assistant on what it remembers about its user. Summarize the listed memories as compact markdown: a few short paragraphs or a tight bullet list, grouped by theme. Cover every memory and invent nothing beyond them.`

const selectPrompt = `You match stored memories against a user request. Each memory is listed as "N. title: content". Reply with a JSON array of the numbers of the memories the request refers to. Reply with [] when none match.`

const rewritePrompt = `You rewrite stored memories per a user instruction. Each memory is listed as "N. title: content". Reply with a JSON array of objects shaped {"number": N, "title": "...", "content": "..."} containing only the memories the request refers to, rewritten as instructed. Reply with [] when none match.`

// ModelSource resolves a provider and model name for memory operations.
// *provider.Registry satisfies it.
type ModelSource interface {
	ForModel(model string) (provider.Provider, string, error)
}

// Service owns per-role insights. Safe for concurrent use; concurrent
// overview requests for the same role collapse into one generation.
type Service struct {
	store  *store.Store
	models ModelSource
	log    *slog.Logger

	flight flightGroup[string, string]

	mu    sync.Mutex
	cache map[string]overviewEntry
}

type overviewEntry struct {
	fingerprint string
	overview    string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates a memory service backed by the given store and
// provider source.
func NewService(st *store.Store, models ModelSource, opts ...Option) *Service {
	s := &Service{
		store:  st,
		models: models,
		log:    slog.Default(),
		cache:  make(map[string]overviewEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "memory")
	return s
}

// Extract distills the given conversation window into insights and
// stores the new ones. Restated facts dedupe by content hash. Returns
// how many insights landed; storage failures for individual insights
// are logged and skipped.
func (s *Service) Extract(ctx context.Context, roleID string, recent []models.Message) (int, error) {
	transcript := formatTranscript(recent)
	if transcript == "" {
		return 0, nil
	}

	raw, err := s.complete(ctx, extractPrompt, transcript, extractMaxTokens)
	if err != nil {
		return 0, fmt.Errorf("extract insights: %w", err)
	}

	var drafts []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeReply(raw, &drafts); err != nil {
		return 0, fmt.Errorf("extract insights: %w", err)
	}

	inserted := 0
	for _, d := range drafts {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		title := strings.TrimSpace(d.Title)
		if title == "" {
			title = deriveTitle(content)
		}
		ok, err := s.store.InsertInsight(ctx, &models.MemoryInsight{
			RoleID:  roleID,
			Title:   title,
			Content: content,
			Hash:    contentHash(content),
		})
		if err != nil {
			s.log.Warn("failed to store insight", "roleId", roleID, "error", err)
			continue
		}
		if ok {
			inserted++
		}
	}
	if inserted > 0 {
		s.log.Info("extracted insights", "roleId", roleID, "count", inserted)
	}
	return inserted, nil
}

// Overview returns a markdown briefing of the role's insight set, or ""
// when the role has none. The briefing is regenerated only when the
// insight set changes; concurrent callers share one generation.
func (s *Service) Overview(ctx context.Context, roleID string) (string, error) {
	out, err, _ := s.flight.Do(roleID, func() (string, error) {
		fp, err := s.store.InsightFingerprint(ctx, roleID)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		entry, ok := s.cache[roleID]
		s.mu.Unlock()
		if ok && entry.fingerprint == fp {
			return entry.overview, nil
		}

		insights, err := s.store.ListInsights(ctx, roleID)
		if err != nil {
			return "", err
		}
		if len(insights) == 0 {
			s.setCached(roleID, fp, "")
			return "", nil
		}

		overview, err := s.complete(ctx, overviewPrompt, insightList(insights), overviewMaxTokens)
		if err != nil {
			return "", fmt.Errorf("generate overview: %w", err)
		}
		overview = strings.TrimSpace(overview)
		s.setCached(roleID, fp, overview)
		return overview, nil
	})
	return out, err
}

// Remove deletes the insights the selection refers to and returns their
// titles. An unmatched selection removes nothing.
func (s *Service) Remove(ctx context.Context, roleID, selection string) ([]string, error) {
	insights, err := s.store.ListInsights(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if len(insights) == 0 {
		return nil, nil
	}

	matched, err := s.selectInsights(ctx, insights, selection)
	if err != nil {
		return nil, fmt.Errorf("remove memories: %w", err)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matched))
	titles := make([]string, 0, len(matched))
	for _, in := range matched {
		ids = append(ids, in.ID)
		titles = append(titles, in.Title)
	}
	if _, err := s.store.DeleteInsights(ctx, ids); err != nil {
		return nil, fmt.Errorf("remove memories: %w", err)
	}
	return titles, nil
}

// Edit rewrites the insights the selection refers to per the instruction
// and returns their updated titles.
func (s *Service) Edit(ctx context.Context, roleID, selection, instruction string) ([]string, error) {
	insights, err := s.store.ListInsights(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if len(insights) == 0 {
		return nil, nil
	}

	request := fmt.Sprintf("Memories:\n%s\nSelection: %s\nInstruction: %s", insightList(insights), selection, instruction)
	raw, err := s.complete(ctx, rewritePrompt, request, rewriteMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("edit memories: %w", err)
	}

	var rewrites []struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeReply(raw, &rewrites); err != nil {
		return nil, fmt.Errorf("edit memories: %w", err)
	}

	var titles []string
	for _, rw := range rewrites {
		if rw.Number < 1 || rw.Number > len(insights) {
			continue
		}
		content := strings.TrimSpace(rw.Content)
		if content == "" {
			continue
		}
		title := strings.TrimSpace(rw.Title)
		if title == "" {
			title = deriveTitle(content)
		}
		target := insights[rw.Number-1]
		if err := s.store.UpdateInsight(ctx, target.ID, title, content, contentHash(content)); err != nil {
			s.log.Warn("failed to update insight", "roleId", roleID, "insightId", target.ID, "error", err)
			continue
		}
		titles = append(titles, title)
	}
	return titles, nil
}

// SaveToMemory inserts user-supplied text as an insight without a model
// round trip. Returns false when an identical insight already exists.
func (s *Service) SaveToMemory(ctx context.Context, roleID, text string) (bool, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return false, errors.New("empty memory text")
	}
	return s.store.InsertInsight(ctx, &models.MemoryInsight{
		RoleID:  roleID,
		Title:   deriveTitle(content),
		Content: content,
		Hash:    contentHash(content),
	})
}

// RemoveLegacyStore deletes the per-role auxiliary database left behind
// by earlier deployments. Called when a role is deleted; missing files
// are fine.
func RemoveLegacyStore(dataDir, roleID string) error {
	path := filepath.Join(dataDir, "memory_"+roleID+".db")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove legacy memory store: %w", err)
	}
	return nil
}

// selectInsights asks the model which insights the selection refers to.
func (s *Service) selectInsights(ctx context.Context, insights []models.MemoryInsight, selection string) ([]models.MemoryInsight, error) {
	request := fmt.Sprintf("Memories:\n%s\nSelection: %s", insightList(insights), selection)
	raw, err := s.complete(ctx, selectPrompt, request, selectMaxTokens)
	if err != nil {
		return nil, err
	}

	var numbers []int
	if err := decodeReply(raw, &numbers); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(numbers))
	var matched []models.MemoryInsight
	for _, n := range numbers {
		if n < 1 || n > len(insights) || seen[n] {
			continue
		}
		seen[n] = true
		matched = append(matched, insights[n-1])
	}
	return matched, nil
}

// complete runs one blocking completion on the default provider and
// returns the accumulated text.
func (s *Service) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	p, model, err := s.models.ForModel("")
	if err != nil {
		return "", err
	}
	chunks, err := p.Complete(ctx, &provider.Request{
		Model:       model,
		System:      system,
		Messages:    []provider.Message{{Role: "user", Content: user}},
		MaxTokens:   maxTokens,
		Temperature: memoryTemperature,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

func (s *Service) setCached(roleID, fingerprint, overview string) {
	s.mu.Lock()
	s.cache[roleID] = overviewEntry{fingerprint: fingerprint, overview: overview}
	s.mu.Unlock()
}

// formatTranscript renders user and assistant messages for extraction.
// System rows are orchestrator tool annotations and carry no facts.
func formatTranscript(messages []models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != models.MessageRoleUser && m.Role != models.MessageRoleAssistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > maxMessageChars {
			content = content[:maxMessageChars] + "..."
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, content)
	}
	return strings.TrimSpace(sb.String())
}

// insightList renders insights as a numbered list, 1-based to match the
// numbers the selection prompts ask for.
func insightList(insights []models.MemoryInsight) string {
	var sb strings.Builder
	for i, in := range insights {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, in.Title, in.Content)
	}
	return sb.String()
}

// decodeReply unmarshals a model reply that may arrive wrapped in prose
// or a markdown code fence.
func decodeReply(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexAny(trimmed, "[{")
	if start < 0 {
		return fmt.Errorf("no json in model reply")
	}
	end := strings.LastIndexAny(trimmed, "]}")
	if end < start {
		return fmt.Errorf("unterminated json in model reply")
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), v)
}

// contentHash normalizes whitespace and case so restated insights dedupe
// to the same row.
func contentHash(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// deriveTitle shortens content into a list-friendly label.
func deriveTitle(content string) string {
	words := strings.Fields(content)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.TrimRight(strings.Join(words, " "), ".,;:")
}
