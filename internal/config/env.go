package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Overrides are environment variables applied on top of the parsed file.
type Overrides struct {
	LogLevel  string `env:"FXLOOP_LOG_LEVEL"`
	HTTPAddr  string `env:"FXLOOP_HTTP_ADDR"`
	HTTPToken string `env:"FXLOOP_HTTP_TOKEN"`
	Catalog   string `env:"FXLOOP_CATALOG"`
}

// ParseEnv loads Overrides from the environment.
func ParseEnv() (Overrides, error) {
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return Overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply copies every set override into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.HTTPAddr); v != "" {
		cfg.HTTP.Addr = v
		cfg.HTTP.Enabled = true
	}
	if v := strings.TrimSpace(o.HTTPToken); v != "" {
		cfg.HTTP.Token = v
	}
	if v := strings.TrimSpace(o.Catalog); v != "" {
		cfg.Catalog.Path = v
	}
}
