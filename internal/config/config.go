// internal/config/config.go
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration, parsed from the environment. Every
// policy value of the room engine is tunable here.
type Config struct {
	Addr        string `env:"PARLOR_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AutoStartDelay    time.Duration `env:"AUTO_START_DELAY" envDefault:"2s"`
	LobbyRejoinWindow time.Duration `env:"LOBBY_REJOIN_WINDOW" envDefault:"60s"`
	GameRejoinWindow  time.Duration `env:"GAME_REJOIN_WINDOW" envDefault:"5m"`
	FinishedRoomTTL   time.Duration `env:"FINISHED_ROOM_TTL" envDefault:"2m"`
	IdleRoomTTL       time.Duration `env:"IDLE_ROOM_TTL" envDefault:"30m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`

	AckQuorumPercent int           `env:"ACK_QUORUM_PERCENT" envDefault:"50"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT" envDefault:"3s"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"60s"`

	DiagnosticsRetention int `env:"DIAGNOSTICS_RETENTION" envDefault:"64"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	return cfg, err
}
