package config

import "time"

// defaultConfig returns the built-in defaults every field in hubd.yaml
// overrides piecewise via mergo — unlike tarsy.yaml's per-section defaults
// struct, hubd's config is small enough for one flat baseline.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "hubd",
			Database: "hubd",
			SSLMode:  "disable",
		},
		Backplane: BackplaneConfig{
			Mode: BackplaneModePostgres,
		},
		Security: SecurityConfig{
			TicketSigningKeyEnv: "HUBD_TICKET_SIGNING_KEY",
		},
		Connection: ConnectionConfig{
			HangingPolicy:   HangingConnectionLog,
			DisconnectedTTL: 12 * time.Hour,
		},
		Retention: RetentionConfig{
			EventTTL:  30 * 24 * time.Hour,
			AppLogTTL: 30 * 24 * time.Hour,
		},
	}
}
