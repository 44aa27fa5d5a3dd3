// Package models provides the shared domain types for the Troupe backend.
package models

import (
	"encoding/json"
	"time"
)

// AccountType distinguishes solo users from users attached to a group.
type AccountType string

const (
	AccountIndividual AccountType = "individual"
	AccountGroup      AccountType = "group"
)

// User is an authenticated account keyed by email.
type User struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	Name          string      `json:"name,omitempty"`
	AccountType   AccountType `json:"accountType"`
	DiscordUserID string      `json:"discordUserId,omitempty"`
	Locale        string      `json:"locale,omitempty"`
	Timezone      string      `json:"timezone,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Session is a cookie-backed login session. ID is the opaque cookie value.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Group is a shared workspace users join through invitations.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MembershipRole is a member's standing within a group.
type MembershipRole string

const (
	MembershipOwner  MembershipRole = "owner"
	MembershipAdmin  MembershipRole = "admin"
	MembershipMember MembershipRole = "member"
)

// Membership links a user to a group. Unique per (groupId, userId).
type Membership struct {
	GroupID   string         `json:"groupId"`
	UserID    string         `json:"userId"`
	Role      MembershipRole `json:"role"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Invitation is a single-use code that admits a user into a group.
// Acceptance is idempotent: usedAt is set exactly once.
type Invitation struct {
	ID        string         `json:"id"`
	Code      string         `json:"code"`
	GroupID   string         `json:"groupId"`
	CreatedBy string         `json:"createdBy"`
	Email     string         `json:"email,omitempty"`
	Role      MembershipRole `json:"role"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	UsedAt    *time.Time     `json:"usedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Role is a named assistant persona. Every message and memory row belongs
// to exactly one role, making it the tenancy axis for conversations.
type Role struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	GroupID      string    `json:"groupId,omitempty"`
	Name         string    `json:"name"`
	JobDesc      string    `json:"jobDesc,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MessageRole indicates the message author type.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	// MessageRoleSystem rows are tool-call annotations written by the
	// turn orchestrator, not provider system prompts.
	MessageRoleSystem MessageRole = "system"
)

// Message is one persisted conversation entry. Ordering within a role is
// by createdAt ascending with ties broken by id; insertion is idempotent
// on id so a retried save is a no-op.
type Message struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	RoleID    string      `json:"roleId"`
	GroupID   string      `json:"groupId,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// OAuthToken is a third-party credential scoped to (provider, userId,
// accountEmail). A user may hold several accounts per provider; an empty
// accountEmail is a placeholder replaced once the provider reports one.
type OAuthToken struct {
	Provider     string     `json:"provider"`
	UserID       string     `json:"userId"`
	AccountEmail string     `json:"accountEmail"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// MCPServer is an installed tool server. Multi-account installs encode the
// account in the id as "<baseId>~<accountEmail>".
type MCPServer struct {
	ID        string          `json:"id"`
	Config    MCPServerConfig `json:"config"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MCPServerConfig is the launch and auth declaration for a tool server.
type MCPServerConfig struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Enabled      bool              `json:"enabled"`
	AccountEmail string            `json:"accountEmail,omitempty"`
	Auth         *MCPServerAuth    `json:"auth,omitempty"`
}

// MCPServerAuth declares how a server authenticates against its backend.
// OAuth-backed servers name a broker provider; API-key servers name the
// environment variable the key is injected as.
type MCPServerAuth struct {
	Provider  string `json:"provider,omitempty"`
	APIKeyEnv string `json:"apiKeyEnv,omitempty"`
}

// SkillType distinguishes prompt fragments from in-process tools.
type SkillType string

const (
	SkillPrompt SkillType = "prompt"
	SkillTool   SkillType = "tool"
)

// Skill is a declarative capability toggled per role via settings.
type Skill struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     string          `json:"content"`
	Type        SkillType       `json:"type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ScheduleType distinguishes one-shot jobs from recurring ones.
type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ScheduledJob is a declarative background instruction executed by the
// jobs runner. Once jobs carry runAt; recurring jobs embed their cadence
// in the description and use holdUntil as the do-not-re-pick-before guard.
type ScheduledJob struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	RoleID       string       `json:"roleId"`
	Description  string       `json:"description"`
	ScheduleType ScheduleType `json:"scheduleType"`
	RunAt        *time.Time   `json:"runAt,omitempty"`
	Status       JobStatus    `json:"status"`
	LastRunAt    *time.Time   `json:"lastRunAt,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
	HoldUntil    *time.Time   `json:"holdUntil,omitempty"`
	RunCount     int          `json:"runCount"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ViewerFile is a transient attachment handle. It lives only in process
// memory and the temp dir; the client echoes it back on the next turn.
type ViewerFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	PreviewURL   string `json:"previewUrl"`
	SourceURL    string `json:"sourceUrl,omitempty"`
	FileURI      string `json:"fileUri,omitempty"`
	AbsolutePath string `json:"absolutePath,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MemoryInsight is one atomic per-role memory entry, deduplicated by
// content hash.
type MemoryInsight struct {
	ID        string    `json:"id"`
	RoleID    string    `json:"roleId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
