package store

// Attachment is one item of an Envelope or CronSchedule content's
// attachments list (§3).
type Attachment struct {
	Source        string `json:"source"` // filesystem path | URL | opaque adapter-file-id
	Filename      string `json:"filename,omitempty"`
	AdapterFileID string `json:"adapterFileId,omitempty"`
}

// Content is the shared shape of Envelope.content and
// CronSchedule.content (§3).
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SessionPolicy is the optional Agent.sessionPolicy document (§4.5.1).
type SessionPolicy struct {
	DailyResetAt     string `json:"dailyResetAt,omitempty"`     // local HH:MM
	IdleTimeout      string `json:"idleTimeout,omitempty"`      // e.g. "1h30m"
	MaxContextLength int    `json:"maxContextLength,omitempty"` // 0 = unset
}

// Agent is the §3 Agent entity.
type Agent struct {
	Name            string
	Token           string
	Description     string
	Workspace       string
	Provider        string
	Model           string
	ReasoningEffort string
	PermissionLevel string
	SessionPolicy   *SessionPolicy
	CreatedAt       uint64
	LastSeenAt      uint64 // 0 = never
	Metadata        map[string]any
}

// AgentBinding is the §3 AgentBinding entity.
type AgentBinding struct {
	ID           string
	AgentName    string
	AdapterType  string
	AdapterToken string
	CreatedAt    uint64
}

// DeliveryError is the shape persisted at Envelope.metadata on a
// terminal delivery failure (§4.3, §7).
type DeliveryError struct {
	At      uint64 `json:"at"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the §3 Envelope entity.
type Envelope struct {
	ID         string
	From       string
	To         string
	FromBoss   bool
	Content    Content
	DeliverAt  uint64 // 0 = no not-before bound
	Status     string // "pending" | "done"
	CreatedAt  uint64
	Metadata   map[string]any
}

// CronSchedule is the §3 CronSchedule entity.
type CronSchedule struct {
	ID                string
	AgentName         string
	Cron              string
	Timezone          string // "" = inherit boss timezone
	Enabled           bool
	To                string
	Content           Content
	Metadata          map[string]any
	PendingEnvelopeID string
	CreatedAt         uint64
	UpdatedAt         uint64
}

// AgentRun is the §3 AgentRun audit entity.
type AgentRun struct {
	ID            string
	AgentName     string
	StartedAt     uint64
	CompletedAt   uint64 // 0 = still running
	EnvelopeIDs   []string
	FinalResponse string
	ContextLength int
	Status        string // "running" | "completed" | "failed" | "cancelled"
	Error         string
}

// Reserved metadata keys the Store surgically manages (§9).
const (
	MetaSessionHandle   = "sessionHandle"
	MetaRole            = "role"
	MetaReplyToEnvelope = "replyToEnvelopeId"
	MetaCronScheduleID  = "cronScheduleId"
	MetaLastDeliveryErr = "lastDeliveryError"
)
