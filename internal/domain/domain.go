package domain

// Mission status values, in pipeline order. Status never moves backward.
const (
	MissionReceived = "received"
	MissionSplit    = "split"
	MissionCompiled = "compiled"
	MissionNotified = "notified"
	MissionArchived = "archived"
)

// SpecialistKeys is the closed set of agent identifiers. The split stage
// must produce exactly one brief per key; anything else is a schema error.
var SpecialistKeys = []string{"research", "strategy", "operations", "comms"}

func IsSpecialistKey(key string) bool {
	for _, k := range SpecialistKeys {
		if k == key {
			return true
		}
	}
	return false
}

type Mission struct {
	ID            string  `json:"id"`
	Objective     string  `json:"objective"`
	Deadline      *string `json:"deadline,omitempty" format:"date-time"`
	Priority      *string `json:"priority,omitempty"`
	Context       *string `json:"context,omitempty"`
	Source        string  `json:"source"`
	SourceEventID string  `json:"source_event_id"`
	Status        string  `json:"status" enum:"received,split,compiled,notified,archived"`
	PageID        *string `json:"page_id,omitempty"`
	MessageID     *string `json:"message_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type IntakeRecord struct {
	ExternalID  string  `json:"external_id"`
	Source      string  `json:"source"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	MissionID   *string `json:"mission_id,omitempty"`
	ProcessedAt *string `json:"processed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Brief struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	AgentKey    string `json:"agent_key" enum:"research,strategy,operations,comms"`
	ContentJSON string `json:"content_json"`
	Status      string `json:"status" enum:"pending,done"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Deliverable struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	BriefID   string `json:"brief_id"`
	AgentKey  string `json:"agent_key" enum:"research,strategy,operations,comms"`
	Output    string `json:"output"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Report struct {
	MissionID    string `json:"mission_id"`
	Summary      string `json:"summary"`
	BodyMarkdown string `json:"body_markdown"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Job is one unit of queued stage work. Acked jobs are deleted; jobs that
// exhaust their attempt budget stay behind with status "dead".
type Job struct {
	ID            int64   `json:"id"`
	Stage         string  `json:"stage"`
	PayloadJSON   string  `json:"payload_json"`
	Status        string  `json:"status" enum:"pending,running,dead"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	BackoffBaseMS int     `json:"backoff_base_ms"`
	RunAt         string  `json:"run_at" format:"date-time"`
	LastError     *string `json:"last_error,omitempty"`
	DeadAt        *string `json:"dead_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
