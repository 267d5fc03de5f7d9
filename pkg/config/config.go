// Package config loads hubd.yaml: connection/backplane settings, ticket
// lifetimes, and the connection/sequence retention policy, the way
// pkg/config/loader.go loads tarsy.yaml — env-expand, unmarshal, merge
// built-in defaults, then validate everything before returning.
package config

import "time"

// Config is the fully resolved, validated configuration for one hubd
// process.
type Config struct {
	configDir string

	Server     ServerConfig
	Database   DatabaseConfig
	Backplane  BackplaneConfig
	Security   SecurityConfig
	Retention  RetentionConfig
	Connection ConnectionConfig
}

// ConfigDir returns the directory Config was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// ServerConfig controls the REST/WebSocket listener.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DatabaseConfig is the Postgres connection the Store and, when
// Backplane.Mode is "postgres", the Backplane both use.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// BackplaneMode selects the pkg/backplane implementation a process wires up.
type BackplaneMode string

const (
	// BackplaneModePostgres uses LISTEN/NOTIFY, required for any deployment
	// running more than one hubd instance.
	BackplaneModePostgres BackplaneMode = "postgres"
	// BackplaneModeMemory is single-process only — fine for local dev and
	// the test suite, wrong for anything with a second replica.
	BackplaneModeMemory BackplaneMode = "memory"
)

// BackplaneConfig selects and tunes the pub/sub fabric pkg/channel rides on.
type BackplaneConfig struct {
	Mode BackplaneMode `yaml:"mode"`
}

// SecurityConfig names the environment variable holding the HMAC key
// pkg/ticket signs and verifies tickets with. The key itself is never
// written to hubd.yaml.
type SecurityConfig struct {
	TicketSigningKeyEnv string `yaml:"ticket_signing_key_env"`
}

// HangingConnectionPolicy controls what boot-time cleanup does with
// ConnectionInfo rows left is_connected=true by a process that crashed
// before it could flip them.
type HangingConnectionPolicy string

const (
	// HangingConnectionRemove deletes hanging rows outright.
	HangingConnectionRemove HangingConnectionPolicy = "remove"
	// HangingConnectionLog only logs them; an operator decides what's next.
	HangingConnectionLog HangingConnectionPolicy = "log"
)

// ConnectionConfig tunes ConnectionInfo lifecycle knobs.
type ConnectionConfig struct {
	HangingPolicy   HangingConnectionPolicy `yaml:"hanging_policy"`
	DisconnectedTTL time.Duration           `yaml:"disconnected_ttl"`
}

// RetentionConfig tunes how long terminal records are kept before a sweep
// would be entitled to reap them. hubd itself performs no reaping today —
// these values exist for the maintenance job described in spec.md §9 and
// are validated here so a misconfigured deployment fails fast at boot
// rather than silently keeping everything forever.
type RetentionConfig struct {
	EventTTL  time.Duration `yaml:"event_ttl"`
	AppLogTTL time.Duration `yaml:"app_log_ttl"`
}
