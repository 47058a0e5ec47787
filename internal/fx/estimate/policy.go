package estimate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/command"
	"fxloop/pkg/logx"
)

// Policy resolves "auto" intervals and applies the clamping rules to a
// validated command before it is scheduled.
type Policy struct {
	est   *Estimator
	clock clock.Facility
	log   logx.Logger

	mu       sync.Mutex
	cooldown time.Duration
	warn     map[string]*rate.Limiter
}

func NewPolicy(est *Estimator, clk clock.Facility, log logx.Logger) *Policy {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Policy{
		est:      est,
		clock:    clk,
		log:      log.With(logx.String("comp", "estimate")),
		cooldown: est.Config().OverlapWarnCooldown,
		warn:     map[string]*rate.Limiter{},
	}
}

// Apply reconfigures the estimator. Warning cooldowns restart when the
// cooldown window changes.
func (p *Policy) Apply(cfg Config) {
	p.est.Apply(cfg)
	cd := p.est.Config().OverlapWarnCooldown
	p.mu.Lock()
	if cd != p.cooldown {
		p.cooldown = cd
		p.warn = map[string]*rate.Limiter{}
	}
	p.mu.Unlock()
}

func (p *Policy) Estimator() *Estimator { return p.est }

// Resolve returns a copy of cmd with every interval concrete and repeat
// counts clamped, together with the estimate it used.
//
//   - unbounded effect: repeats above 1 are clamped to 1
//   - auto interval: estimate shortened by AutoOverlap, or DefaultInterval
//     when no finite estimate exists
//   - explicit interval below OverlapWarnFraction of the estimate: warning,
//     at most once per effect identity per cooldown
func (p *Policy) Resolve(cmd command.Command) (command.Command, Result) {
	cfg := p.est.Config()
	res := p.est.Estimate(cmd.Effect)
	out := cmd.Clone()
	key := cmd.Effect.Key()

	for i := range out.Sources {
		src := &out.Sources[i]
		if res.Kind == Unbounded && (src.Repeats.Infinite || src.Repeats.N > 1) {
			p.log.Debug("repeats clamped for unbounded effect",
				logx.String("effect", key),
				logx.String("source", src.Actor),
				logx.String("requested", src.Repeats.String()),
			)
			src.Repeats = command.Once
		}
		repeats := src.Repeats.Infinite || src.Repeats.N > 1

		if src.Interval.Auto {
			if res.Kind == Finite {
				src.Interval = command.Interval{D: time.Duration(float64(res.D) * (1 - cfg.AutoOverlap))}
				continue
			}
			src.Interval = command.Interval{D: cfg.DefaultInterval}
			if repeats {
				p.log.Warn("auto interval undeterminable; using default",
					logx.String("effect", key),
					logx.String("source", src.Actor),
					logx.String("estimate", res.Kind.String()),
					logx.Duration("interval", cfg.DefaultInterval),
				)
			}
			continue
		}

		if repeats && res.Kind == Finite {
			threshold := time.Duration(float64(res.D) * cfg.OverlapWarnFraction)
			if src.Interval.D < threshold && p.allowWarn(key) {
				p.log.Warn("interval much shorter than effect lifetime; emissions will overlap",
					logx.String("effect", key),
					logx.String("source", src.Actor),
					logx.Duration("interval", src.Interval.D),
					logx.Duration("estimate", res.D),
				)
			}
		}
	}
	return out, res
}

// maxWarnLimiters bounds the per-effect limiter map. Custom effect names are
// caller supplied, so the map is pruned once it reaches this size.
const maxWarnLimiters = 256

func (p *Policy) allowWarn(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	lim, ok := p.warn[key]
	if !ok {
		if len(p.warn) >= maxWarnLimiters {
			p.pruneWarnLocked(now)
		}
		lim = rate.NewLimiter(rate.Every(p.cooldown), 1)
		p.warn[key] = lim
	}
	return lim.AllowN(now, 1)
}

// pruneWarnLocked drops limiters whose cooldown has fully elapsed. A full
// bucket behaves exactly like a fresh limiter.
func (p *Policy) pruneWarnLocked(now time.Time) {
	for k, lim := range p.warn {
		if lim.TokensAt(now) >= 1 {
			delete(p.warn, k)
		}
	}
}

func (p *Policy) warnLimiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warn)
}
