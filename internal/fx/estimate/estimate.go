// Package estimate derives how long an effect stays visible and turns that
// estimate into concrete repeat intervals.
//
// Estimator is pure: the same configuration and effect id always produce the
// same Result. Policy applies the clamping, fallback and warning rules on top.
package estimate

import (
	"strings"
	"sync"
	"time"

	"fxloop/internal/fx/catalog"
)

type Kind int

const (
	Unknown Kind = iota
	Finite
	Unbounded
)

func (k Kind) String() string {
	switch k {
	case Finite:
		return "finite"
	case Unbounded:
		return "unbounded"
	default:
		return "unknown"
	}
}

// Result is an estimate. D is only meaningful for Finite.
type Result struct {
	Kind Kind
	D    time.Duration
}

// Config is the operator-tunable estimator configuration.
//
// Defaults (when fields are zero):
//   - FrameRate: 60
//   - DefaultInterval: 1s
//   - AutoOverlap: 0.1
//   - OverlapWarnFraction: 0.25
//   - OverlapWarnCooldown: 10s
//
// Fallback is used when the catalog declares no timing; zero means Unknown.
type Config struct {
	FrameRate           float64
	Fallback            time.Duration
	DefaultInterval     time.Duration
	AutoOverlap         float64
	OverlapWarnFraction float64
	OverlapWarnCooldown time.Duration
	Overrides           map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameRate <= 0 {
		c.FrameRate = 60
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Second
	}
	if c.AutoOverlap <= 0 || c.AutoOverlap >= 1 {
		c.AutoOverlap = 0.1
	}
	if c.OverlapWarnFraction <= 0 {
		c.OverlapWarnFraction = 0.25
	}
	if c.OverlapWarnCooldown <= 0 {
		c.OverlapWarnCooldown = 10 * time.Second
	}
	if c.Fallback < 0 {
		c.Fallback = 0
	}
	ov := make(map[string]time.Duration, len(c.Overrides))
	for k, d := range c.Overrides {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || d <= 0 {
			continue
		}
		ov[k] = d
	}
	c.Overrides = ov
	return c
}

// Estimator computes effect lifetimes from overrides and catalog timings.
type Estimator struct {
	mu  sync.RWMutex
	cfg Config
	cat *catalog.Catalog
}

func NewEstimator(cat *catalog.Catalog, cfg Config) *Estimator {
	return &Estimator{cfg: cfg.withDefaults(), cat: cat}
}

// Apply swaps the configuration (hot reload).
func (e *Estimator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Estimator) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Estimate returns the visible lifetime of id.
//
// Order: a configured override (by id key, then by bare name), then the
// catalog's declared frames at the configured frame rate, then Fallback.
func (e *Estimator) Estimate(id catalog.ID) Result {
	cfg := e.Config()
	if d, ok := cfg.Overrides[id.Key()]; ok {
		return Result{Kind: Finite, D: d}
	}
	if d, ok := cfg.Overrides[strings.ToLower(strings.TrimSpace(id.Name))]; ok {
		return Result{Kind: Finite, D: d}
	}
	if def, ok := e.cat.Lookup(id); ok && def.Declared() {
		if def.Unbounded() {
			return Result{Kind: Unbounded}
		}
		frames := float64(def.EmitterFrames + def.ParticleLifeFrames)
		d := time.Duration(frames / cfg.FrameRate * float64(time.Second))
		if d > 0 {
			return Result{Kind: Finite, D: d}
		}
	}
	if cfg.Fallback > 0 {
		return Result{Kind: Finite, D: cfg.Fallback}
	}
	return Result{Kind: Unknown}
}
