// Package scheduler drives spawned effect loops over a timer facility.
//
// Two coordination strategies exist. Independent mode restarts the whole
// source set every Global Delay without waiting for chains to finish. Barrier
// mode starts the next global cycle only once every finite source chain of the
// current cycle completed.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"fxloop/internal/eventbus"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/command"
	"fxloop/internal/fx/estimate"
	"fxloop/internal/fx/loop"
	logx "fxloop/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	pol := deps.Policy
	if pol == nil {
		pol = estimate.NewPolicy(estimate.NewEstimator(nil, estimate.Config{}), clk, log)
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		clock:  clk,
		world:  deps.World,
		emit:   deps.Emitter,
		policy: pol,
		bus:    deps.Bus,
		log:    log.With(logx.String("comp", "scheduler")),
		reg:    loop.NewRegistry("fx"),
	}
}

// Apply swaps the pacing configuration. Running loops keep their resolved
// intervals; new cycles use the new floor.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Spawn resolves cmd, registers a loop and schedules its first cycle.
// Emissions never happen synchronously inside Spawn.
func (s *Service) Spawn(cmd command.Command) (string, error) {
	if len(cmd.Sources) == 0 {
		return "", errors.New("spawn: command has no sources")
	}
	if s.world == nil || s.emit == nil {
		return "", errors.New("spawn: scheduler has no world or emitter")
	}
	resolved, est := s.policy.Resolve(cmd)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range resolved.Sources {
		src := &resolved.Sources[i]
		if src.Repeats.Infinite && src.Interval.D < s.cfg.MinCycleDelay {
			src.Interval.D = s.cfg.MinCycleDelay
		}
	}

	l := loop.New(s.reg.NextID(), resolved, s.clock.Now())
	s.reg.Register(l)
	s.log.Info("loop started",
		logx.String("loop", l.ID),
		logx.String("fx", resolved.Effect.Key()),
		logx.String("mode", resolved.Mode.String()),
		logx.Int("sources", len(resolved.Sources)),
		logx.Int("targets", len(resolved.Targets)),
		logx.String("global_repeats", resolved.GlobalRepeats.String()),
		logx.String("estimate", est.Kind.String()),
	)
	s.publishLoop(eventbus.TypeLoopStarted, l, "")

	if resolved.Mode == command.Barrier {
		s.startBarrierCycle(l)
	} else {
		s.startIndependentCycle(l)
	}
	return l.ID, nil
}

// Stop cancels a loop. No emission happens for id afterwards, including
// timers already due.
func (s *Service) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.reg.Cancel(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, id)
	}
	s.log.Info("loop cancelled", logx.String("loop", id), logx.Int("cycles", l.Cycles))
	s.publishLoop(eventbus.TypeLoopCancelled, l, "stop")
	return nil
}

// StopAll cancels every loop and returns the ids that were live.
func (s *Service) StopAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	loops := s.reg.CancelAll()
	ids := make([]string, 0, len(loops))
	for _, l := range loops {
		ids = append(ids, l.ID)
		s.publishLoop(eventbus.TypeLoopCancelled, l, "stop_all")
	}
	if len(ids) > 0 {
		s.log.Info("all loops cancelled", logx.Int("count", len(ids)))
	}
	return ids
}

// Snapshot lists the live loops in creation order.
func (s *Service) Snapshot() []LoopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.reg.All()
	out := make([]LoopInfo, 0, len(all))
	for _, l := range all {
		out = append(out, info(l))
	}
	return out
}

// Lookup returns the snapshot of one loop.
func (s *Service) Lookup(id string) (LoopInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.reg.Lookup(id)
	if !ok {
		return LoopInfo{}, false
	}
	return info(l), true
}

func info(l *loop.Loop) LoopInfo {
	li := LoopInfo{
		ID:            l.ID,
		Effect:        l.Cmd.Effect.Key(),
		Mode:          l.Cmd.Mode.String(),
		Cycles:        l.Cycles,
		GlobalRepeats: l.Cmd.GlobalRepeats.String(),
		Started:       l.Started,
		Pending:       l.Pending(),
	}
	for _, st := range l.Sources {
		li.Sources = append(li.Sources, SourceInfo{
			Actor:    st.Spec.Actor,
			Fired:    st.Fired,
			Repeats:  st.Spec.Repeats.String(),
			Interval: st.Spec.Interval.String(),
			Vanished: st.Vanished,
		})
	}
	for _, t := range l.Targets {
		li.Targets = append(li.Targets, TargetInfo{Actor: t.Spec.Actor, Hits: t.Hits, Vanished: t.Vanished})
	}
	return li
}

// arm schedules fn for owner. The callback re-checks the loop under the
// lock, so a stop that races an already-due timer still wins.
func (s *Service) arm(l *loop.Loop, owner int, d time.Duration, fn func()) {
	var tok uint64
	h := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !l.Release(owner, tok) {
			return
		}
		fn()
		s.settleLocked(l)
	})
	tok = l.Track(owner, h)
}

// settleLocked removes a loop that can no longer fire.
func (s *Service) settleLocked(l *loop.Loop) {
	if l.Cancelled() || l.Pending() > 0 {
		return
	}
	if cur, ok := s.reg.Lookup(l.ID); !ok || cur != l {
		return
	}
	s.reg.Remove(l.ID)
	reason := "exhausted"
	if !l.Exhausted() {
		reason = "no live sources"
	}
	s.log.Debug("loop finished", logx.String("loop", l.ID), logx.Int("cycles", l.Cycles), logx.String("reason", reason))
	s.publishLoop(eventbus.TypeLoopFinished, l, reason)
}

func (s *Service) publishLoop(typ string, l *loop.Loop, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clock.Now(),
		Data: eventbus.LoopEvent{
			LoopID:  l.ID,
			Effect:  l.Cmd.Effect.Key(),
			Mode:    l.Cmd.Mode.String(),
			Cycles:  l.Cycles,
			Reason:  reason,
			Sources: len(l.Sources),
		},
	})
}
