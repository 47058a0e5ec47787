package scheduler

import (
	"fxloop/internal/fx/loop"
)

// startIndependentCycle initiates one global cycle and, unless the global
// budget is used up, schedules the next one Global Delay later. Chains are
// not awaited.
//
// Infinite-repeat sources start only in the first cycle; later cycles would
// otherwise stack endless chains on the same actor.
func (s *Service) startIndependentCycle(l *loop.Loop) {
	l.Cycles++
	cycle := l.Cycles
	for i, st := range l.Sources {
		if st.Spec.Repeats.Infinite && cycle > 1 {
			continue
		}
		s.arm(l, i, st.Spec.Delay, func() { s.fireChain(l, i, cycle, 1) })
	}
	if l.Exhausted() {
		return
	}
	delay := l.Cmd.GlobalDelay
	if l.Cmd.GlobalRepeats.Infinite && delay < s.cfg.MinCycleDelay {
		delay = s.cfg.MinCycleDelay
	}
	s.arm(l, loop.Global, delay, func() { s.startIndependentCycle(l) })
}

// fireChain is step n of source i's chain in cycle. The repeat count lives in
// the closure so chains of overlapping cycles do not share it.
func (s *Service) fireChain(l *loop.Loop, i, cycle, n int) {
	if !s.fireLocked(l, i, cycle) {
		return
	}
	spec := l.Sources[i].Spec
	if spec.Repeats.Exhausted(n) {
		return
	}
	s.arm(l, i, spec.Interval.D, func() { s.fireChain(l, i, cycle, n+1) })
}
