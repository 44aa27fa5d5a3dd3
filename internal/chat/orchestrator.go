// Package chat executes chat turns: it assembles the prompt from role,
// memory, skills, and history, streams the provider's output as SSE
// frames, dispatches tool calls, and persists the resulting messages.
// Frames of a turn are totally ordered by a single writer, and at most
// one turn runs per role at a time.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/troupe/internal/builtin"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/mcp"
	"github.com/haasonsaas/troupe/internal/observability"
	"github.com/haasonsaas/troupe/internal/provider"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

// ToolBroker exposes the user's MCP tool surface to the turn loop.
type ToolBroker interface {
	Catalog(ctx context.Context, userID string) ([]mcp.CatalogTool, error)
	InvokeTool(ctx context.Context, userID, toolName string, args map[string]any) (*mcp.Invocation, error)
}

// MemoryService reads the role's memory overview and extracts new
// insights after a turn.
type MemoryService interface {
	Overview(ctx context.Context, roleID string) (string, error)
	Extract(ctx context.Context, roleID string, recent []models.Message) (int, error)
}

// SkillSource lists the skills enabled for a role.
type SkillSource interface {
	ForRole(ctx context.Context, userID, roleID string) ([]models.Skill, error)
}

// ProviderSource resolves a model name to an LLM backend.
type ProviderSource interface {
	ForModel(model string) (provider.Provider, string, error)
}

// Turn is one chat exchange to execute. Role may be pre-resolved by the
// caller; when nil it is loaded from the store.
type Turn struct {
	UserID   string
	RoleID   string
	GroupID  string
	Role     *models.Role
	Messages []models.Message
	Timezone string
	Locale   string
	Viewer   *models.ViewerFile
}

// Config wires an Orchestrator. Store and Providers are required; the
// rest degrade gracefully when nil so tests can wire only what they use.
type Config struct {
	Store     *store.Store
	Providers ProviderSource
	Tools     ToolBroker
	Builtins  *builtin.Registry
	Memory    MemoryService
	Skills    SkillSource
	Chat      config.ChatConfig
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator runs turns. Safe for concurrent use; concurrency per
// role is bounded to one by the role locker.
type Orchestrator struct {
	store     *store.Store
	providers ProviderSource
	tools     ToolBroker
	builtins  *builtin.Registry
	memory    MemoryService
	skills    SkillSource
	locks     *RoleLocker
	cfg       config.ChatConfig
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	log       *slog.Logger
	now       func() time.Time
}

// extractWindow caps how many trailing messages feed memory extraction.
const extractWindow = 12

func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "chat")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Chat.HistoryWindow <= 0 {
		cfg.Chat.HistoryWindow = 50
	}
	if cfg.Chat.MaxToolCalls <= 0 {
		cfg.Chat.MaxToolCalls = 16
	}
	if cfg.Chat.TurnTimeout <= 0 {
		cfg.Chat.TurnTimeout = 300 * time.Second
	}
	if cfg.Chat.EventBuffer <= 0 {
		cfg.Chat.EventBuffer = 256
	}
	return &Orchestrator{
		store:     cfg.Store,
		providers: cfg.Providers,
		tools:     cfg.Tools,
		builtins:  cfg.Builtins,
		memory:    cfg.Memory,
		skills:    cfg.Skills,
		locks:     NewRoleLocker(),
		cfg:       cfg.Chat,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		log:       log,
		now:       now,
	}
}

// StreamTurn executes the turn over SSE. Every outcome after the stream
// opens is delivered in-band: failures become an error frame and the
// stream still terminates with [DONE]. The returned error is only for
// responses that never started streaming.
func (o *Orchestrator) StreamTurn(ctx context.Context, w http.ResponseWriter, turn *Turn) error {
	em, err := newSSEEmitter(w, o.cfg.EventBuffer, o.metrics)
	if err != nil {
		return err
	}
	defer em.Close()

	if !o.locks.TryAcquire(turn.RoleID) {
		o.recordTurn("stream", KindRoleBusy, 0)
		_ = em.Emit(models.StreamEvent{Type: models.StreamError, Message: KindRoleBusy})
		return em.Finish()
	}
	defer o.locks.Release(turn.RoleID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.TraceTurn(ctx, "stream", turn.RoleID)
		defer span.End()
	}

	start := o.now()
	runErr := o.run(ctx, turn, em)
	status := "ok"
	if runErr != nil {
		werr := classify(runErr)
		status = werr.Kind
		o.log.Warn("turn failed", "roleId", turn.RoleID, "kind", werr.Kind, "error", runErr)
		if o.tracer != nil {
			o.tracer.RecordError(span, runErr)
		}
		_ = em.Emit(models.StreamEvent{Type: models.StreamError, Message: werr.Message()})
	}
	o.recordTurn("stream", status, o.now().Sub(start).Seconds())
	return em.Finish()
}

// RunHeadless executes the turn without a client connection and returns
// the concatenated reply text. Scheduled jobs run through here; the
// caller owns the deadline.
func (o *Orchestrator) RunHeadless(ctx context.Context, turn *Turn) (string, error) {
	if !o.locks.TryAcquire(turn.RoleID) {
		o.recordTurn("headless", KindRoleBusy, 0)
		return "", NewError(KindRoleBusy, "")
	}
	defer o.locks.Release(turn.RoleID)

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.TraceTurn(ctx, "headless", turn.RoleID)
		defer span.End()
	}

	col := &collector{}
	start := o.now()
	err := o.run(ctx, turn, col)
	if err != nil {
		werr := classify(err)
		if o.tracer != nil {
			o.tracer.RecordError(span, err)
		}
		o.recordTurn("headless", werr.Kind, o.now().Sub(start).Seconds())
		return col.Text(), werr
	}
	o.recordTurn("headless", "ok", o.now().Sub(start).Seconds())
	return col.Text(), nil
}

func (o *Orchestrator) run(ctx context.Context, turn *Turn, sink Sink) error {
	role := turn.Role
	if role == nil {
		loaded, err := o.store.GetRole(ctx, turn.RoleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return NewError(KindRoleNotFound, turn.RoleID)
			}
			return fmt.Errorf("load role: %w", err)
		}
		role = loaded
		turn.Role = loaded
	}

	page, err := o.store.ListMessages(ctx, turn.UserID, turn.RoleID, o.cfg.HistoryWindow, "")
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	turnLog := append([]models.Message(nil), page.Messages...)
	seen := make(map[string]struct{}, len(turnLog))
	for _, m := range turnLog {
		seen[m.ID] = struct{}{}
	}

	for i := range turn.Messages {
		m := turn.Messages[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		m.UserID, m.RoleID, m.GroupID = turn.UserID, turn.RoleID, turn.GroupID
		if m.Role == "" {
			m.Role = models.MessageRoleUser
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = o.now().UTC()
		}
		if m.Role == models.MessageRoleUser {
			if err := o.store.SaveMessage(ctx, &m); err != nil {
				return fmt.Errorf("save message: %w", err)
			}
		}
		seen[m.ID] = struct{}{}
		turnLog = append(turnLog, m)
	}

	var skillList []models.Skill
	if o.skills != nil {
		skillList, err = o.skills.ForRole(ctx, turn.UserID, turn.RoleID)
		if err != nil {
			o.log.Warn("skills unavailable", "roleId", turn.RoleID, "error", err)
			skillList = nil
		}
	}

	system := o.assembleSystem(ctx, turn, role, skillList)
	cat := o.buildCatalog(ctx, turn, skillList)

	transcript := make([]provider.Message, 0, len(turnLog)+4)
	for _, m := range turnLog {
		transcript = append(transcript, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	if turn.Viewer != nil {
		if note, ok := o.viewerNote(turn.Viewer); ok {
			transcript = append(transcript, provider.Message{Role: "system", Content: note})
		} else if err := sink.Emit(models.StreamEvent{
			Type:    models.StreamInfo,
			Message: fmt.Sprintf("Attachment %s is no longer available; continuing without it.", turn.Viewer.Name),
		}); err != nil {
			return err
		}
	}

	prov, model, err := o.providers.ForModel(role.Model)
	if err != nil {
		return NewError(KindProviderError, err.Error())
	}

	toolCalls := 0
	for {
		req := &provider.Request{
			Model:    model,
			System:   system,
			Messages: transcript,
			Tools:    cat.defs,
		}

		text, calls, roundErr := o.streamRound(ctx, prov, model, req, sink)
		if text != "" {
			o.persistMessage(ctx, turn, models.MessageRoleAssistant, text, &turnLog)
		}
		if roundErr != nil {
			return roundErr
		}
		if len(calls) == 0 {
			break
		}

		transcript = append(transcript, provider.Message{Role: "assistant", Content: text, ToolCalls: calls})

		var results []provider.ToolResult
		var notes []string
		for _, tc := range calls {
			toolCalls++
			if toolCalls > o.cfg.MaxToolCalls {
				return NewError(KindToolLimitExceeded, fmt.Sprintf("more than %d tool calls in one turn", o.cfg.MaxToolCalls))
			}

			args := parseArgs(tc.Args)
			if err := sink.Emit(models.StreamEvent{
				Type:     models.StreamToolCall,
				ToolCall: &models.ToolCallEvent{Name: tc.Name, Args: args},
			}); err != nil {
				return err
			}

			out, err := o.dispatch(ctx, turn, cat, tc.Name, tc.Args, args)
			if err != nil {
				return err
			}

			if err := sink.Emit(models.StreamEvent{
				Type:     models.StreamToolResult,
				ToolName: tc.Name,
				Result:   out.result,
				ServerID: out.serverID,
				Accounts: out.accounts,
				Metadata: out.metadata,
			}); err != nil {
				return err
			}

			note := toolAnnotation(out.display, out.accounts)
			o.persistMessage(ctx, turn, models.MessageRoleSystem, note, &turnLog)
			notes = append(notes, note)
			results = append(results, provider.ToolResult{ToolCallID: tc.ID, Content: out.result, IsError: out.isError})
		}
		transcript = append(transcript, provider.Message{Role: "tool", ToolResults: results})
		for _, note := range notes {
			transcript = append(transcript, provider.Message{Role: "system", Content: note})
		}
	}

	if err := sink.Emit(models.StreamEvent{Type: models.StreamMemoryTask, Status: "started"}); err != nil {
		return err
	}
	count := 0
	if o.memory != nil {
		recent := turnLog
		if len(recent) > extractWindow {
			recent = recent[len(recent)-extractWindow:]
		}
		n, err := o.memory.Extract(ctx, turn.RoleID, recent)
		if err != nil {
			o.log.Warn("memory extraction failed", "roleId", turn.RoleID, "error", err)
		} else {
			count = n
		}
	}
	if err := sink.Emit(models.StreamEvent{Type: models.StreamMemoryTask, Status: "completed", Count: &count}); err != nil {
		return err
	}
	return nil
}

// streamRound consumes one provider stream: content deltas are emitted
// as they arrive (flushed on newline boundaries), tool calls are
// collected for the caller. The channel is always drained so the
// backend goroutine can exit.
func (o *Orchestrator) streamRound(ctx context.Context, prov provider.Provider, model string, req *provider.Request, sink Sink) (string, []provider.ToolCall, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.TraceLLMRequest(ctx, prov.Name(), model)
		defer span.End()
	}
	start := o.now()

	chunks, err := prov.Complete(ctx, req)
	if err != nil {
		if o.tracer != nil {
			o.tracer.RecordError(span, err)
		}
		o.recordLLM(prov.Name(), model, "error", o.now().Sub(start).Seconds(), 0, 0)
		return "", nil, err
	}

	var text, pending strings.Builder
	var calls []provider.ToolCall
	var inTokens, outTokens int
	var streamErr, writeErr error

	for chunk := range chunks {
		if chunk.Err != nil {
			if streamErr == nil {
				streamErr = chunk.Err
			}
			continue
		}
		if chunk.Done {
			inTokens, outTokens = chunk.InputTokens, chunk.OutputTokens
			continue
		}
		if streamErr != nil {
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			pending.WriteString(chunk.Text)
			if strings.Contains(chunk.Text, "\n") && writeErr == nil {
				if err := sink.Emit(models.StreamEvent{Content: pending.String()}); err != nil {
					writeErr = err
				} else {
					pending.Reset()
				}
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}

	if pending.Len() > 0 && writeErr == nil && streamErr == nil {
		if err := sink.Emit(models.StreamEvent{Content: pending.String()}); err != nil {
			writeErr = err
		}
	}

	status := "ok"
	if streamErr != nil || writeErr != nil {
		status = "error"
	}
	o.recordLLM(prov.Name(), model, status, o.now().Sub(start).Seconds(), inTokens, outTokens)

	switch {
	case streamErr != nil:
		if o.tracer != nil {
			o.tracer.RecordError(span, streamErr)
		}
		return text.String(), nil, streamErr
	case writeErr != nil:
		return text.String(), nil, writeErr
	default:
		return text.String(), calls, nil
	}
}

// toolOutcome is one executed tool call, ready for the result frame.
type toolOutcome struct {
	display  string
	result   string
	isError  bool
	serverID string
	accounts []string
	metadata map[string]any
}

// dispatch routes one tool call: built-in tools first, then tool-type
// skills, then the MCP registry. Transient failures come back as
// error-shaped results so the model can correct itself; only expired
// OAuth consent and a dead turn context abort the turn.
func (o *Orchestrator) dispatch(ctx context.Context, turn *Turn, cat *toolCatalog, name string, raw json.RawMessage, args map[string]any) (*toolOutcome, error) {
	toolCtx := ctx
	if o.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, o.cfg.ToolTimeout)
		defer cancel()
	}
	var span trace.Span
	if o.tracer != nil {
		toolCtx, span = o.tracer.TraceToolExecution(toolCtx, name)
		defer span.End()
	}

	start := o.now()
	out, err := o.invoke(toolCtx, ctx, turn, cat, name, raw, args)
	status := "ok"
	if err != nil || (out != nil && out.isError) {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordToolExecution(name, status, o.now().Sub(start).Seconds())
	}
	if err != nil && o.tracer != nil {
		o.tracer.RecordError(span, err)
	}
	return out, err
}

func (o *Orchestrator) invoke(toolCtx, turnCtx context.Context, turn *Turn, cat *toolCatalog, name string, raw json.RawMessage, args map[string]any) (*toolOutcome, error) {
	if tool, ok := cat.builtins[name]; ok {
		res, err := tool.Execute(toolCtx, builtin.Call{UserID: turn.UserID, RoleID: turn.RoleID, Args: raw})
		if err != nil {
			o.log.Warn("builtin tool failed", "tool", name, "error", err)
			return errorOutcome(mcp.FormatToolName(name), err), nil
		}
		return &toolOutcome{
			display:  mcp.FormatToolName(name),
			result:   res.Content,
			isError:  res.IsError,
			metadata: res.Metadata,
		}, nil
	}

	if sk, ok := cat.skills[name]; ok {
		return &toolOutcome{display: sk.Name, result: sk.Content}, nil
	}

	if o.tools == nil {
		return errorOutcome(mcp.FormatToolName(name), fmt.Errorf("unknown tool %q", name)), nil
	}
	inv, err := o.tools.InvokeTool(toolCtx, turn.UserID, name, args)
	if err != nil {
		if isAuthRequired(err) {
			return nil, err
		}
		if turnCtx.Err() != nil {
			return nil, turnCtx.Err()
		}
		o.log.Warn("tool invocation failed", "tool", name, "error", err)
		return errorOutcome(mcp.FormatToolName(name), err), nil
	}
	return &toolOutcome{
		display:  inv.Display,
		result:   inv.Result,
		isError:  inv.IsError,
		serverID: inv.ServerID,
		accounts: inv.Accounts,
	}, nil
}

func errorOutcome(display string, err error) *toolOutcome {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		payload = []byte(`{"error":"tool failed"}`)
	}
	return &toolOutcome{display: display, result: string(payload), isError: true}
}

// toolCatalog is the merged tool surface of one turn.
type toolCatalog struct {
	defs     []provider.ToolDef
	builtins map[string]builtin.Tool
	skills   map[string]models.Skill
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func (o *Orchestrator) buildCatalog(ctx context.Context, turn *Turn, skillList []models.Skill) *toolCatalog {
	cat := &toolCatalog{
		builtins: make(map[string]builtin.Tool),
		skills:   make(map[string]models.Skill),
	}
	seen := make(map[string]struct{})

	if o.builtins != nil {
		for _, t := range o.builtins.Tools() {
			cat.defs = append(cat.defs, provider.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
			cat.builtins[t.Name()] = t
			seen[t.Name()] = struct{}{}
		}
	}

	for _, sk := range skillList {
		if sk.Type != models.SkillTool {
			continue
		}
		name := skillToolName(sk)
		if _, dup := seen[name]; dup {
			continue
		}
		desc := sk.Description
		if desc == "" {
			desc = fmt.Sprintf("Returns the %s skill content.", sk.Name)
		}
		cat.defs = append(cat.defs, provider.ToolDef{Name: name, Description: desc, Schema: emptyObjectSchema})
		cat.skills[name] = sk
		seen[name] = struct{}{}
	}

	if o.tools != nil {
		mcpTools, err := o.tools.Catalog(ctx, turn.UserID)
		if err != nil {
			o.log.Warn("tool catalog unavailable", "userId", turn.UserID, "error", err)
		}
		for _, ct := range mcpTools {
			if _, dup := seen[ct.Name]; dup {
				continue
			}
			cat.defs = append(cat.defs, provider.ToolDef{Name: ct.Name, Description: ct.Description, Schema: ct.InputSchema})
			seen[ct.Name] = struct{}{}
		}
	}
	return cat
}

// assembleSystem builds the system prompt: memory overview first, then
// the role's prompt (or a default), prompt-type skills, and the
// locale/timezone hint.
func (o *Orchestrator) assembleSystem(ctx context.Context, turn *Turn, role *models.Role, skillList []models.Skill) string {
	var parts []string

	if o.memory != nil {
		overview, err := o.memory.Overview(ctx, turn.RoleID)
		if err != nil {
			o.log.Warn("memory overview unavailable", "roleId", turn.RoleID, "error", err)
		} else if overview != "" {
			parts = append(parts, "# What you remember about the user\n\n"+overview)
		}
	}

	base := role.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt(role)
	}
	parts = append(parts, base)

	for _, sk := range skillList {
		if sk.Type != models.SkillPrompt || sk.Content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("# Skill: %s\n\n%s", sk.Name, sk.Content))
	}

	if hint := o.contextHint(turn); hint != "" {
		parts = append(parts, hint)
	}
	return strings.Join(parts, "\n\n")
}

func defaultSystemPrompt(role *models.Role) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of the user's assistant personas.", role.Name)
	if role.JobDesc != "" {
		fmt.Fprintf(&b, " Your responsibility: %s.", role.JobDesc)
	}
	b.WriteString(" Answer directly and use the available tools when they help.")
	return b.String()
}

func (o *Orchestrator) contextHint(turn *Turn) string {
	if turn.Locale == "" && turn.Timezone == "" {
		return ""
	}
	now := o.now()
	var b strings.Builder
	if turn.Locale != "" {
		fmt.Fprintf(&b, "User locale: %s. ", turn.Locale)
	}
	if turn.Timezone != "" {
		if loc, err := time.LoadLocation(turn.Timezone); err == nil {
			now = now.In(loc)
		}
		fmt.Fprintf(&b, "User timezone: %s. ", turn.Timezone)
	}
	fmt.Fprintf(&b, "Current time: %s.", now.Format(time.RFC1123))
	return strings.TrimSpace(b.String())
}

// viewerNote describes the attachment for the model, or reports that the
// temp file is gone.
func (o *Orchestrator) viewerNote(v *models.ViewerFile) (string, bool) {
	if v.AbsolutePath == "" {
		return "", false
	}
	if _, err := os.Stat(v.AbsolutePath); err != nil {
		return "", false
	}
	return fmt.Sprintf("The user attached a file: %s (%s). Tools can read it at %s.", v.Name, v.MimeType, v.AbsolutePath), true
}

func (o *Orchestrator) persistMessage(ctx context.Context, turn *Turn, role models.MessageRole, content string, turnLog *[]models.Message) {
	m := models.Message{
		ID:        uuid.NewString(),
		UserID:    turn.UserID,
		RoleID:    turn.RoleID,
		GroupID:   turn.GroupID,
		Role:      role,
		Content:   content,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.SaveMessage(ctx, &m); err != nil {
		o.log.Error("save message failed", "roleId", turn.RoleID, "role", role, "error", err)
		return
	}
	*turnLog = append(*turnLog, m)
}

// toolAnnotation is the system row recorded for each executed tool:
// "*gmail search messages* · user@example.com".
func toolAnnotation(display string, accounts []string) string {
	note := "*" + display + "*"
	var live []string
	for _, a := range accounts {
		if a != "" {
			live = append(live, a)
		}
	}
	if len(live) > 0 {
		note += " · " + strings.Join(live, ", ")
	}
	return note
}

func skillToolName(sk models.Skill) string {
	var b strings.Builder
	b.WriteString("skill_")
	for _, r := range strings.ToLower(sk.ID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func parseArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func (o *Orchestrator) recordTurn(mode, status string, seconds float64) {
	if o.metrics != nil {
		o.metrics.RecordTurn(mode, status, seconds)
	}
}

func (o *Orchestrator) recordLLM(providerName, model, status string, seconds float64, inTokens, outTokens int) {
	if o.metrics != nil {
		o.metrics.RecordLLMRequest(providerName, model, status, seconds, inTokens, outTokens)
	}
}
