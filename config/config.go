package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port             string `envconfig:"PORT" default:"8081"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	SessionSecret    string `envconfig:"SESSION_SECRET" default:"dev-super-secret-change-me"`
	SessionTTLHours  int    `envconfig:"SESSION_TTL_HOURS" default:"24"`
	MaxMessageLength int    `envconfig:"MAX_MESSAGE_LENGTH" default:"1000"`

	// RetainHistory switches on server-side message storage. Off by default:
	// the canonical design treats messages as fanout payloads only.
	RetainHistory bool   `envconfig:"RETAIN_HISTORY" default:"false"`
	HistoryDir    string `envconfig:"HISTORY_DIR" default:"./data/history"`
	HistoryLimit  int    `envconfig:"HISTORY_LIMIT" default:"500"`
}

func Load() (Config, error) {
	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
