// Package store implements the durable state store: one relational journal
// holding processes, agent logs, file metadata, metrics, plugins, MCP
// servers, OpenClaw imports, integrations, schedules, and the auth tables.
package store

import "time"

// Process states.
const (
	StateCreated  = "created"
	StateRunning  = "running"
	StateSleeping = "sleeping"
	StateWaiting  = "waiting"
	StateStopped  = "stopped"
	StateZombie   = "zombie"
	StateDead     = "dead"
)

// Agent phases within a running process.
const (
	PhaseBooting   = "booting"
	PhaseThinking  = "thinking"
	PhaseExecuting = "executing"
	PhaseWaiting   = "waiting"
	PhaseObserving = "observing"
	PhaseIdle      = "idle"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Org member roles.
const (
	OrgRoleOwner   = "owner"
	OrgRoleAdmin   = "admin"
	OrgRoleManager = "manager"
	OrgRoleMember  = "member"
	OrgRoleViewer  = "viewer"
)

// User is a registered kernel account.
type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Token is an opaque session token with absolute expiry.
type Token struct {
	Token     string    `db:"token" json:"token"`
	UserID    string    `db:"user_id" json:"user_id"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Org is an organization owning teams and members.
type Org struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DisplayName string    `db:"display_name" json:"display_name"`
	OwnerUID    string    `db:"owner_uid" json:"owner_uid"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// OrgMember binds a user to an org with a role.
type OrgMember struct {
	OrgID  string `db:"org_id" json:"org_id"`
	UserID string `db:"user_id" json:"user_id"`
	Role   string `db:"role" json:"role"`
}

// Team is a named group within an org.
type Team struct {
	ID        string    `db:"id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TeamMember binds a user to a team.
type TeamMember struct {
	TeamID string `db:"team_id" json:"team_id"`
	UserID string `db:"user_id" json:"user_id"`
}

// SandboxConfig describes the execution substrate requested for a process.
type SandboxConfig struct {
	Kind  string `json:"kind,omitempty"` // none, pty, container
	Image string `json:"image,omitempty"`
}

// ProcessRecord is the persisted process table row.
type ProcessRecord struct {
	PID        int64             `db:"pid" json:"pid"`
	PPID       int64             `db:"ppid" json:"ppid"`
	UID        string            `db:"uid" json:"uid"`
	OwnerUID   string            `db:"owner_uid" json:"owner_uid"`
	Name       string            `db:"name" json:"name"`
	Role       string            `db:"role" json:"role"`
	Goal       string            `db:"goal" json:"goal"`
	State      string            `db:"state" json:"state"`
	AgentPhase string            `db:"agent_phase" json:"agent_phase"`
	CWD        string            `db:"cwd" json:"cwd"`
	Env        map[string]string `db:"-" json:"env,omitempty"`
	ExitCode   *int              `db:"-" json:"exit_code,omitempty"`
	TTYID      string            `db:"tty_id" json:"tty_id,omitempty"`
	Sandbox    SandboxConfig     `db:"-" json:"sandbox"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	ExitedAt   *time.Time        `db:"-" json:"exited_at,omitempty"`
	CPUTimeMS  int64             `db:"cpu_time_ms" json:"cpu_time_ms"`
}

// AgentLog is one append-only agent loop entry keyed by (pid, step).
type AgentLog struct {
	ID        int64     `db:"id" json:"id"`
	PID       int64     `db:"pid" json:"pid"`
	Step      int       `db:"step" json:"step"`
	Phase     string    `db:"phase" json:"phase"`
	Tool      string    `db:"tool" json:"tool,omitempty"`
	Content   string    `db:"content" json:"content"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// FileMeta mirrors what is visible on disk under the per-user root.
type FileMeta struct {
	Path       string    `db:"path" json:"path"`
	OwnerUID   string    `db:"owner_uid" json:"owner_uid"`
	Type       string    `db:"type" json:"type"` // file, dir
	Size       int64     `db:"size" json:"size"`
	Hidden     bool      `db:"hidden" json:"hidden"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	ModifiedAt time.Time `db:"modified_at" json:"modified_at"`
}

// KernelMetric is one resource sample.
type KernelMetric struct {
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	ProcessCount   int       `db:"process_count" json:"process_count"`
	CPUPercent     float64   `db:"cpu_percent" json:"cpu_percent"`
	MemoryMB       float64   `db:"memory_mb" json:"memory_mb"`
	ContainerCount int       `db:"container_count" json:"container_count"`
}

// PluginRecord is an installed plugin with its manifest.
type PluginRecord struct {
	ID            string    `db:"id" json:"id"`
	OwnerUID      string    `db:"owner_uid" json:"owner_uid"`
	Manifest      string    `db:"manifest" json:"manifest"` // JSON manifest blob
	InstallSource string    `db:"install_source" json:"install_source"`
	Enabled       bool      `db:"enabled" json:"enabled"`
	InstalledAt   time.Time `db:"installed_at" json:"installed_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// MCPServerRecord is a configured MCP server and its cached tool list.
type MCPServerRecord struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Transport   string    `db:"transport" json:"transport"` // stdio, sse
	Command     string    `db:"command" json:"command,omitempty"`
	Args        []string  `db:"-" json:"args,omitempty"`
	Env         []string  `db:"-" json:"env,omitempty"`
	URL         string    `db:"url" json:"url,omitempty"`
	AutoConnect bool      `db:"auto_connect" json:"auto_connect"`
	Enabled     bool      `db:"enabled" json:"enabled"`
	ToolCache   string    `db:"tool_cache" json:"-"` // JSON of last discovered tools
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// OpenClawImport is a persisted SKILL.md import.
type OpenClawImport struct {
	SkillID         string    `db:"skill_id" json:"skill_id"`
	Skill           string    `db:"skill" json:"-"` // serialized parsed skill
	DependenciesMet bool      `db:"dependencies_met" json:"dependencies_met"`
	SourcePath      string    `db:"source_path" json:"source_path"`
	ImportedAt      time.Time `db:"imported_at" json:"imported_at"`
}

// Integration is an external service connector with encrypted credentials.
type Integration struct {
	ID          string    `db:"id" json:"id"`
	Type        string    `db:"type" json:"type"`
	Name        string    `db:"name" json:"name"`
	Credentials []byte    `db:"credentials" json:"-"` // AES-GCM ciphertext
	Nonce       []byte    `db:"nonce" json:"-"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// IntegrationLog is one recorded integration call.
type IntegrationLog struct {
	ID            int64     `db:"id" json:"id"`
	IntegrationID string    `db:"integration_id" json:"integration_id"`
	Action        string    `db:"action" json:"action"`
	Status        string    `db:"status" json:"status"` // ok, error
	Detail        string    `db:"detail" json:"detail"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// CronJob is a scheduled agent spawn.
type CronJob struct {
	ID             string     `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	CronExpression string     `db:"cron_expression" json:"cron_expression"`
	AgentConfig    string     `db:"agent_config" json:"agent_config"` // JSON spawn config blob
	Enabled        bool       `db:"enabled" json:"enabled"`
	OwnerUID       string     `db:"owner_uid" json:"owner_uid"`
	LastRun        *time.Time `db:"-" json:"last_run,omitempty"`
	NextRun        *time.Time `db:"-" json:"next_run,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// EventTrigger spawns an agent when a matching event fires.
type EventTrigger struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	EventType   string     `db:"event_type" json:"event_type"`
	EventFilter string     `db:"event_filter" json:"event_filter"` // JSON shallow-match filter
	CooldownMS  int64      `db:"cooldown_ms" json:"cooldown_ms"`
	AgentConfig string     `db:"agent_config" json:"agent_config"`
	OwnerUID    string     `db:"owner_uid" json:"owner_uid"`
	LastFiredAt *time.Time `db:"-" json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// MemoryRecord is one layered agent memory entry.
type MemoryRecord struct {
	ID         string    `db:"id" json:"id"`
	AgentUID   string    `db:"agent_uid" json:"agent_uid"`
	Layer      string    `db:"layer" json:"layer"` // episodic, semantic, procedural
	Content    string    `db:"content" json:"content"`
	Tags       []string  `db:"-" json:"tags"`
	Importance float64   `db:"importance" json:"importance"`
	SourcePID  int64     `db:"source_pid" json:"source_pid"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
