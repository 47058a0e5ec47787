package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fxloop/internal/config"
	"fxloop/internal/fx/chain"
	"fxloop/internal/fx/estimate"
	"fxloop/internal/fx/scheduler"
	"fxloop/internal/server"
	"fxloop/internal/storage"
	"fxloop/internal/triggers"
	logx "fxloop/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (server.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// The event stream keeps connections open; 0 disables the write timeout.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:        h.Enabled,
		Addr:           strings.TrimSpace(h.Addr),
		Token:          strings.TrimSpace(h.Token),
		AllowInsecure:  h.AllowInsecure,
		AllowedOrigins: h.AllowedOrigins,
		Pprof:          h.Pprof,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
	}, nil
}

func mapEstimatorConfig(cfg *config.Config) (estimate.Config, error) {
	e := cfg.Estimator
	var errs []error
	if e.FrameRate < 0 {
		errs = append(errs, errors.New("estimator.frame_rate must be >= 0"))
	}
	if e.AutoOverlap < 0 || e.AutoOverlap >= 1 {
		errs = append(errs, errors.New("estimator.auto_overlap must be in [0, 1)"))
	}
	if e.OverlapWarnFraction < 0 || e.OverlapWarnFraction > 1 {
		errs = append(errs, errors.New("estimator.overlap_warn_fraction must be in [0, 1]"))
	}
	fallback, err := config.ParseDurationField("estimator.fallback", e.Fallback)
	errs = append(errs, err)
	def, err := config.ParseDurationField("estimator.default_interval", e.DefaultInterval)
	errs = append(errs, err)
	cooldown, err := config.ParseDurationField("estimator.overlap_warn_cooldown", e.OverlapWarnCooldown)
	errs = append(errs, err)
	overrides, err := config.ParseDurationMap("estimator.overrides", e.Overrides)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return estimate.Config{}, err
	}
	return estimate.Config{
		FrameRate:           e.FrameRate,
		Fallback:            fallback,
		DefaultInterval:     def,
		AutoOverlap:         e.AutoOverlap,
		OverlapWarnFraction: e.OverlapWarnFraction,
		OverlapWarnCooldown: cooldown,
		Overrides:           overrides,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	d, err := config.ParseDurationField("scheduler.min_cycle_delay", cfg.Scheduler.MinCycleDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{MinCycleDelay: d}, nil
}

func mapChainConfig(cfg *config.Config) (chain.Config, error) {
	c := cfg.Chain
	idle, err1 := config.ParseDurationField("chain.idle_expiry", c.IdleExpiry)
	dmin, err2 := config.ParseDurationField("chain.delay_min", c.DelayMin)
	dmax, err3 := config.ParseDurationField("chain.delay_max", c.DelayMax)
	if err := errors.Join(err1, err2, err3); err != nil {
		return chain.Config{}, err
	}
	out := chain.Config{
		IdleExpiry:    idle,
		DelayMin:      dmin,
		DelayMax:      dmax,
		DefaultAction: strings.TrimSpace(c.DefaultAction),
		Placeholder:   strings.TrimSpace(c.Placeholder),
	}
	if err := out.Validate(); err != nil {
		return chain.Config{}, err
	}
	return out, nil
}

func mapTriggersConfig(cfg *config.Config) (triggers.Config, error) {
	t := cfg.Triggers
	out := triggers.Config{Enabled: t.Enabled, Timezone: strings.TrimSpace(t.Timezone)}
	for _, e := range t.Entries {
		out.Entries = append(out.Entries, triggers.Entry{
			Name:     strings.TrimSpace(e.Name),
			Schedule: e.Schedule,
			Command:  e.Command,
			Disabled: e.Disabled,
		})
	}
	if err := triggers.Validate(out); err != nil {
		return triggers.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed on load or reload.
func validateConfig(cfg *config.Config) error {
	var errs []error
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: invalid %q", lvl))
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEstimatorConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapChainConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTriggersConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
