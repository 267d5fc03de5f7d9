package store

import "time"

// Application is a fleet member: owns tasks, connections, sequences, events,
// and logs. Deletion is soft — Name is rewritten with a prefix and timestamp
// and DeletedAt is stamped, freeing the unique name for reuse.
type Application struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Tags        []string       `json:"tags"`
	AccessKey   string         `json:"access_key"`
	Disabled    bool           `json:"disabled"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// TaskBody is a tagged union describing what a task runs.
type TaskBody struct {
	Type  string `json:"type"` // "arbitrary" | "script" | "exec"
	Value string `json:"value"`
}

// TaskTrigger is one of the ways a task can be scheduled: a cron expression,
// an event-key subscription, or a filesystem-notify watch path.
type TaskTrigger struct {
	Kind     string `json:"kind"` // "cron" | "event" | "fsnotify"
	Cron     string `json:"cron,omitempty"`
	EventKey string `json:"event_key,omitempty"`
	Path     string `json:"path,omitempty"`
}

// ApplicationTask is the definition of a job an agent may run.
type ApplicationTask struct {
	ID             string        `json:"id"`
	AppID          string        `json:"app_id"`
	Name           string        `json:"name"`
	QualifiedName  string        `json:"qualified_name"`
	Description    string        `json:"description"`
	Tags           []string      `json:"tags"`
	Body           TaskBody      `json:"body"`
	Env            map[string]string `json:"env"`
	Triggers       []TaskTrigger `json:"triggers"`
	LastUpdated    time.Time     `json:"last_updated"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
}

// SequenceState is one of EventSequence's lifecycle states.
type SequenceState string

const (
	SequenceInProgress SequenceState = "in_progress"
	SequenceFrozen     SequenceState = "frozen"
	SequenceSucceeded  SequenceState = "succeeded"
	SequenceFailed     SequenceState = "failed"
	SequenceSkipped    SequenceState = "skipped"
	SequenceOrphaned   SequenceState = "orphaned"
)

// Terminal reports whether s is one of the lifecycle's terminal states.
func (s SequenceState) Terminal() bool {
	switch s {
	case SequenceSucceeded, SequenceFailed, SequenceSkipped, SequenceOrphaned:
		return true
	default:
		return false
	}
}

// EventSequence is a bounded execution run of a Task.
type EventSequence struct {
	ID             string         `json:"id"`
	AppID          string         `json:"app_id"`
	TaskID         string         `json:"task_id"`
	TaskName       string         `json:"task_name"`
	Name           string         `json:"name"`
	Meta           map[string]any `json:"meta,omitempty"`
	State          SequenceState  `json:"state"`
	StateUpdatedAt time.Time      `json:"state_updated_at"`
	ConnectionID   string         `json:"connection_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Revision       int64          `json:"revision"`
}

// Event is an immutable, append-only fact.
type Event struct {
	ID          string         `json:"id"`
	AppID       string         `json:"app_id"`
	TaskName    string         `json:"task_name,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	SequenceID  string         `json:"sequence_id,omitempty"`
	EventType   string         `json:"event_type"`
	EventKey    string         `json:"event_key"`
	Data        map[string]any `json:"data,omitempty"`
	PublisherIP string         `json:"publisher_ip,omitempty"`
	T           int64          `json:"t"` // microseconds since epoch
}

// ReservedEventTypes are the event_type values only the engine may emit.
var ReservedEventTypes = map[string]bool{
	"start": true, "stop": true, "frozen": true, "unfrozen": true,
	"cancelled": true, "failed": true, "succeeded": true,
}

// LogSeverity mirrors AppLog.Severity's closed set.
type LogSeverity string

const (
	LogUnknown LogSeverity = "unknown"
	LogDebug   LogSeverity = "debug"
	LogInfo    LogSeverity = "info"
	LogWarning LogSeverity = "warning"
	LogError   LogSeverity = "error"
	LogFatal   LogSeverity = "fatal"
)

// AppLog is a single log line bound to an app and optionally a sequence.
type AppLog struct {
	ID         string         `json:"id"`
	AppID      string         `json:"app_id"`
	SequenceID string         `json:"sequence_id,omitempty"`
	Severity   LogSeverity    `json:"severity"`
	Body       string         `json:"body"`
	Extra      map[string]any `json:"extra,omitempty"`
	T          int64          `json:"t"`
}

// Counter is an advisory aggregate keyed by (subject, period).
type Counter struct {
	Subject string `json:"subject"`
	Period  string `json:"period"`
	Value   int64  `json:"value"`
}

// ConnectionInfo is the persisted record of a (re-)connecting agent.
type ConnectionInfo struct {
	ID                 string     `json:"id"`
	AppID              string     `json:"app_id"`
	IP                 string     `json:"ip"`
	OS                 string     `json:"os"`
	ClientName         string     `json:"client_name"`
	ClientVersion      string     `json:"client_version"`
	Fingerprint        string     `json:"fingerprint"`
	MachineID          string     `json:"machine_id"`
	InstanceID         string     `json:"instance_id,omitempty"`
	IsConnected        bool       `json:"is_connected"`
	ConnectedAt        *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt     *time.Time `json:"disconnected_at,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	EventSubscriptions []string   `json:"event_subscriptions"`
	Revision           int64      `json:"revision"`
}

// ServerInfo is a host-registry row: ID is the IP an agent connected from,
// Hostname the os_info it reported in hello, and LastHeartbeat the time of
// its latest hello.
type ServerInfo struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// OneTimeSecurityCode backs the two-step application registration flow: an
// operator issues a short-lived numeric code, an operator (or the issuing
// flow itself) confirms it — extending its lifetime — and an agent redeems
// it once for a new Application and access key.
type OneTimeSecurityCode struct {
	Code      string         `json:"code"`
	Purpose   string         `json:"purpose"`
	Payload   map[string]any `json:"payload,omitempty"`
	Confirmed bool           `json:"confirmed"`
	IPAddress string         `json:"ip_address,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
	UsedAt    *time.Time     `json:"used_at,omitempty"`
}
