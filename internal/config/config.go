package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds every tunable of the session core. Values are read from the
// environment with the TERMCORE_ prefix; defaults match the documented
// behavior of the core.
type Settings struct {
	DataPath string `envconfig:"DATA_PATH" default:"./data"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// Connection pool
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"0"` // 0 = unlimited
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	PingTimeout       time.Duration `envconfig:"PING_TIMEOUT" default:"10s"`

	// Terminal sessions
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"0"` // 0 = unlimited
	ScrollbackLines int           `envconfig:"SCROLLBACK_LINES" default:"1000"`
	DetachTTL       time.Duration `envconfig:"DETACH_TTL" default:"60s"`

	// WebSocket bridge
	AcceptTimeout time.Duration `envconfig:"ACCEPT_TIMEOUT" default:"60s"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"5s"`
	ReplayLines   int           `envconfig:"REPLAY_LINES" default:"50"`

	// Maintenance schedule (robfig/cron format)
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMCORE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
