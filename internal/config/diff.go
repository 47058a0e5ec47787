package config

import (
	"reflect"
	"strings"

	logx "fxloop/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = tokenMarker(oh.Token), tokenMarker(nh.Token)
	if !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nh.Token != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		ns := derefStorage(newCfg.Storage)
		attrs = append(attrs, logx.String("storage.driver", ns.Driver), logx.String("storage.path", ns.Path))
	}

	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.String("catalog.path", newCfg.Catalog.Path), logx.Bool("catalog.watch", newCfg.Catalog.Watch))
	}

	if !reflect.DeepEqual(oldCfg.Estimator, newCfg.Estimator) {
		changed = append(changed, "estimator")
		attrs = append(attrs,
			logx.Float64("estimator.frame_rate", newCfg.Estimator.FrameRate),
			logx.Float64("estimator.overlap_warn_fraction", newCfg.Estimator.OverlapWarnFraction),
			logx.Int("estimator.overrides", len(newCfg.Estimator.Overrides)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.min_cycle_delay", newCfg.Scheduler.MinCycleDelay))
	}

	if oldCfg.Chain != newCfg.Chain {
		changed = append(changed, "chain")
		attrs = append(attrs,
			logx.String("chain.idle_expiry", newCfg.Chain.IdleExpiry),
			logx.Bool("chain.default_action_set", strings.TrimSpace(newCfg.Chain.DefaultAction) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.enabled", newCfg.Triggers.Enabled),
			logx.String("triggers.timezone", newCfg.Triggers.Timezone),
			logx.Int("triggers.entries", len(newCfg.Triggers.Entries)),
		)
	}
	return changed, attrs
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
