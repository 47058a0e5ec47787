// Package chain implements spatial chain reactions: a trigger finds nearby
// actors whose notes react to a tag, runs their action, and may re-trigger a
// further wave centred on them.
//
// Loops are prevented by per-actor budgets keyed by (actor, continuation tag).
// All counts decay together once the chain stays idle for IdleExpiry.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"fxloop/internal/eventbus"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/world"
	logx "fxloop/pkg/logx"
)

var ErrUnknownOrigin = errors.New("unknown origin actor")

// Config is the operator-tunable chain configuration.
//
// Defaults (when fields are zero):
//   - IdleExpiry: 5s
//   - DelayMin: 100ms, DelayMax: 300ms
//   - Placeholder: "$actor"
type Config struct {
	IdleExpiry    time.Duration
	DelayMin      time.Duration
	DelayMax      time.Duration
	DefaultAction string
	Placeholder   string
}

func (c Config) withDefaults() Config {
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 5 * time.Second
	}
	if c.DelayMin <= 0 {
		c.DelayMin = 100 * time.Millisecond
	}
	if c.DelayMax <= 0 {
		c.DelayMax = 300 * time.Millisecond
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	if strings.TrimSpace(c.Placeholder) == "" {
		c.Placeholder = "$actor"
	}
	return c
}

// Validate rejects explicit delays that the defaults would not repair. The
// idle window must outlast the longest continuation delay, otherwise the
// idle reset drops waves that are still pending.
func (c Config) Validate() error {
	if c.DelayMin > 0 && c.DelayMax > 0 && c.DelayMax < c.DelayMin {
		return errors.New("chain.delay_max must be >= chain.delay_min")
	}
	eff := c.withDefaults()
	if eff.IdleExpiry <= eff.DelayMax {
		return fmt.Errorf("chain.idle_expiry (%s) must be > chain.delay_max (%s)", eff.IdleExpiry, eff.DelayMax)
	}
	return nil
}

// ActionRunner executes an action for an affected actor. It runs outside the
// propagator lock and may call back into the scheduler.
type ActionRunner interface {
	RunAction(ctx context.Context, actor world.Actor, action string) error
}

type ActionFunc func(ctx context.Context, actor world.Actor, action string) error

func (f ActionFunc) RunAction(ctx context.Context, actor world.Actor, action string) error {
	return f(ctx, actor, action)
}

// Request is a chain-trigger invocation.
type Request struct {
	Origin string  `json:"origin"`
	Tag    string  `json:"tag"`
	Radius float64 `json:"radius"`
	Action string  `json:"action,omitempty"`
}

// Result lists the actors the first wave reached.
type Result struct {
	Matched []string `json:"matched"`
	Waves   int      `json:"scheduled_waves"`
}

// State is a snapshot of the chain reaction state.
type State struct {
	WindowStart time.Time                 `json:"window_start,omitempty"`
	Counts      map[string]map[string]int `json:"counts"`
	Pending     int                       `json:"pending"`
}

type Deps struct {
	Clock  clock.Facility
	World  world.Querier
	Runner ActionRunner
	Bus    eventbus.Publisher
	Log    logx.Logger
	// Rand drives the wave delay. Defaults to a time-seeded source.
	Rand *rand.Rand
}

type Propagator struct {
	mu sync.Mutex

	cfg    Config
	clock  clock.Facility
	world  world.Querier
	runner ActionRunner
	bus    eventbus.Publisher
	log    logx.Logger
	rng    *rand.Rand

	counts  map[string]map[string]int
	window  time.Time
	idle    clock.Handle
	idleSeq uint64
	seq     uint64
	pending map[uint64]clock.Handle
}

func New(cfg Config, deps Deps) *Propagator {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Propagator{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		world:   deps.World,
		runner:  deps.Runner,
		bus:     deps.Bus,
		log:     log.With(logx.String("comp", "chain")),
		rng:     rng,
		counts:  map[string]map[string]int{},
		pending: map[uint64]clock.Handle{},
	}
}

// Apply swaps the configuration. Existing counts are kept.
func (p *Propagator) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// SetRunner replaces the action runner.
func (p *Propagator) SetRunner(r ActionRunner) {
	p.mu.Lock()
	p.runner = r
	p.mu.Unlock()
}

// Trigger runs the first wave synchronously around the origin actor.
// Continuations run later on the clock.
func (p *Propagator) Trigger(ctx context.Context, req Request) (Result, error) {
	tag := normTag(req.Tag)
	if tag == "" {
		return Result{}, errors.New("chain: tag required")
	}
	if req.Radius < 0 {
		return Result{}, errors.New("chain: radius must be >= 0")
	}
	if p.world == nil {
		return Result{}, errors.New("chain: no world")
	}
	origin, ok := p.world.Actor(strings.TrimSpace(req.Origin))
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownOrigin, req.Origin)
	}

	p.mu.Lock()
	jobs, waves := p.waveLocked(context.WithoutCancel(ctx), origin, tag, req.Radius, req.Action, 0)
	runner := p.runner
	p.mu.Unlock()

	p.run(ctx, runner, jobs)
	res := Result{Waves: waves}
	for _, j := range jobs {
		res.Matched = append(res.Matched, j.actor.ID)
	}
	return res, nil
}

type job struct {
	actor  world.Actor
	action string
}

// waveLocked matches the actors around center and schedules continuations.
// Actions are returned so the caller can run them without the lock.
func (p *Propagator) waveLocked(ctx context.Context, center world.Actor, tag string, radius float64, action string, depth int) ([]job, int) {
	now := p.clock.Now()
	if p.window.IsZero() {
		p.window = now
	}
	p.touchIdleLocked()

	var (
		jobs  []job
		waves int
	)
	for _, a := range world.Within(p.world, center.Zone, center.Pos, radius) {
		if a.ID == center.ID {
			continue
		}
		d, ok := ParseNotes(a.Notes)[tag]
		if !ok {
			continue
		}
		act := d.Action
		if act == "" {
			act = action
		}
		if act == "" {
			act = p.cfg.DefaultAction
		}
		if act != "" {
			act = strings.ReplaceAll(act, p.cfg.Placeholder, a.ID)
			jobs = append(jobs, job{actor: a, action: act})
		} else {
			jobs = append(jobs, job{actor: a})
		}
		p.publish(eventbus.TypeChainTrigger, eventbus.ChainEvent{
			Origin: center.ID, Actor: a.ID, Tag: tag, Depth: depth, Action: act, Radius: radius,
		})

		c := d.Propagate
		if c == nil {
			continue
		}
		byTag := p.counts[a.ID]
		if byTag == nil {
			byTag = map[string]int{}
			p.counts[a.ID] = byTag
		}
		if byTag[c.Tag] >= c.Budget {
			p.log.Debug("propagation suppressed; budget exhausted",
				logx.String("actor", a.ID),
				logx.String("tag", c.Tag),
				logx.Int("budget", c.Budget),
			)
			continue
		}
		byTag[c.Tag]++
		next := c.Radius
		if next <= 0 {
			next = radius
		}
		p.scheduleLocked(ctx, a, c.Tag, next, action, depth+1)
		waves++
	}
	return jobs, waves
}

func (p *Propagator) scheduleLocked(ctx context.Context, center world.Actor, tag string, radius float64, action string, depth int) {
	p.seq++
	tok := p.seq
	delay := p.cfg.DelayMin
	if span := p.cfg.DelayMax - p.cfg.DelayMin; span > 0 {
		delay += time.Duration(p.rng.Int63n(int64(span) + 1))
	}
	h := p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		if _, ok := p.pending[tok]; !ok {
			p.mu.Unlock()
			return
		}
		delete(p.pending, tok)
		// The centre may have moved or vanished since the wave was scheduled.
		cur, ok := p.world.Actor(center.ID)
		if !ok {
			p.mu.Unlock()
			p.log.Debug("continuation dropped; actor gone", logx.String("actor", center.ID), logx.String("tag", tag))
			return
		}
		jobs, _ := p.waveLocked(ctx, cur, tag, radius, action, depth)
		runner := p.runner
		p.mu.Unlock()
		p.run(ctx, runner, jobs)
	})
	p.pending[tok] = h
}

func (p *Propagator) run(ctx context.Context, runner ActionRunner, jobs []job) {
	if runner == nil {
		return
	}
	for _, j := range jobs {
		if j.action == "" {
			continue
		}
		if err := runner.RunAction(ctx, j.actor, j.action); err != nil {
			p.log.Warn("chain action failed", logx.String("actor", j.actor.ID), logx.String("action", j.action), logx.Err(err))
		}
	}
}

func (p *Propagator) touchIdleLocked() {
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idleSeq++
	seq := p.idleSeq
	p.idle = p.clock.AfterFunc(p.cfg.IdleExpiry, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if seq != p.idleSeq {
			return
		}
		p.resetLocked("idle")
	})
}

// Reset clears every count, closes the window and drops scheduled waves.
func (p *Propagator) Reset(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(reason)
}

func (p *Propagator) resetLocked(reason string) {
	n := 0
	for _, byTag := range p.counts {
		n += len(byTag)
	}
	for tok, h := range p.pending {
		h.Stop()
		delete(p.pending, tok)
	}
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
	p.idleSeq++
	wasOpen := !p.window.IsZero()
	p.counts = map[string]map[string]int{}
	p.window = time.Time{}
	if wasOpen || n > 0 {
		p.log.Debug("chain state reset", logx.String("reason", reason), logx.Int("counts", n))
		p.publish(eventbus.TypeChainReset, eventbus.ChainReset{Reason: reason, Counts: n})
	}
}

// State returns a copy of the current chain state.
func (p *Propagator) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := State{WindowStart: p.window, Counts: map[string]map[string]int{}, Pending: len(p.pending)}
	for actor, byTag := range p.counts {
		cp := make(map[string]int, len(byTag))
		for k, v := range byTag {
			cp[k] = v
		}
		st.Counts[actor] = cp
	}
	return st
}

func (p *Propagator) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.clock.Now(), Data: data})
}
