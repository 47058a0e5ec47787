package scheduler

import (
	"fxloop/internal/eventbus"
	"fxloop/internal/fx/loop"
	"fxloop/internal/fx/world"
	logx "fxloop/pkg/logx"
)

// fireLocked performs one emission step of source i. It returns false when
// the source actor no longer resolves; the caller ends that chain.
func (s *Service) fireLocked(l *loop.Loop, i, cycle int) bool {
	st := l.Sources[i]
	src, ok := s.world.Actor(st.Spec.Actor)
	if !ok {
		if !st.Vanished {
			s.log.Debug("source actor not found; chain stopped",
				logx.String("loop", l.ID),
				logx.String("actor", st.Spec.Actor),
				logx.Int("cycle", cycle),
			)
		}
		st.Vanished = true
		return false
	}
	st.Vanished = false
	st.Fired++
	st.CycleFired++

	fx := l.Cmd.Effect
	if !l.Cmd.Aimed {
		s.emit.EmitAt(fx, src.Zone, src.Pos)
		s.publishEmit(l, cycle, src, nil)
		return true
	}
	for _, t := range l.TargetsFor(i) {
		dst, ok := s.world.Actor(t.Spec.Actor)
		if !ok {
			if !t.Vanished {
				s.log.Debug("target actor not found; skipped",
					logx.String("loop", l.ID),
					logx.String("source", src.ID),
					logx.String("target", t.Spec.Actor),
				)
			}
			t.Vanished = true
			continue
		}
		t.Vanished = false
		t.Hits++
		s.emit.EmitBetween(fx, src.Zone, src.Pos, dst.Pos)
		s.publishEmit(l, cycle, src, &dst)
	}
	return true
}

func (s *Service) publishEmit(l *loop.Loop, cycle int, src world.Actor, dst *world.Actor) {
	if s.bus == nil {
		return
	}
	ev := eventbus.Emission{
		LoopID: l.ID,
		Effect: l.Cmd.Effect.Key(),
		Cycle:  cycle,
		Source: src.ID,
		Zone:   src.Zone,
		From:   eventbus.Point{X: src.Pos.X, Y: src.Pos.Y},
	}
	if dst != nil {
		ev.Target = dst.ID
		ev.To = &eventbus.Point{X: dst.Pos.X, Y: dst.Pos.Y}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeEmit, Time: s.clock.Now(), Data: ev})
}
