package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServeEnv holds runtime options of `opf serve` read from the environment.
type ServeEnv struct {
	Addr           string        `env:"ADDR" envDefault:"127.0.0.1:8080"`
	BasePath       string        `env:"BASE_PATH" envDefault:"/v1"`
	JWTSecret      string        `env:"JWT_SECRET"`
	DevAuth        bool          `env:"DEV_AUTH" envDefault:"false"`
	ExpiryInterval time.Duration `env:"EXPIRY_INTERVAL" envDefault:"1m"`
	DetectInterval time.Duration `env:"DETECT_INTERVAL" envDefault:"15m"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// LoadServeEnv parses OPERAFLOW_* variables.
func LoadServeEnv() (ServeEnv, error) {
	var cfg ServeEnv
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OPERAFLOW_"}); err != nil {
		return ServeEnv{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.ExpiryInterval < 0 || cfg.DetectInterval < 0 {
		return ServeEnv{}, fmt.Errorf("sweep intervals must be >= 0")
	}
	return cfg, nil
}
