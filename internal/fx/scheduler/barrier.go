package scheduler

import (
	"time"

	"fxloop/internal/fx/loop"
	logx "fxloop/pkg/logx"
)

// startBarrierCycle starts every finite chain with a fresh repeat counter.
// Infinite chains start once, in the first cycle, and never count toward the
// barrier.
func (s *Service) startBarrierCycle(l *loop.Loop) {
	first := l.Cycles == 0
	cycle := l.Cycles + 1
	l.CycleStart = s.clock.Now()
	l.Remaining = 0
	l.PathEnd = 0
	for i, st := range l.Sources {
		if st.Spec.Repeats.Infinite {
			if first {
				s.arm(l, i, st.Spec.Delay, func() { s.fireChain(l, i, cycle, 1) })
			}
			continue
		}
		l.ClearSource(i)
		st.CycleFired = 0
		l.Remaining++
		s.arm(l, i, st.Spec.Delay, func() { s.fireBarrier(l, i) })
	}
	if l.Remaining == 0 {
		s.log.Debug("barrier loop has no finite sources; runs until stopped", logx.String("loop", l.ID))
	}
}

func (s *Service) fireBarrier(l *loop.Loop, i int) {
	st := l.Sources[i]
	if !s.fireLocked(l, i, l.Cycles+1) {
		s.completeBarrier(l, i, false)
		return
	}
	if st.Spec.Repeats.Exhausted(st.CycleFired) {
		s.completeBarrier(l, i, true)
		return
	}
	s.arm(l, i, st.Spec.Interval.D, func() { s.fireBarrier(l, i) })
}

// completeBarrier records that source i finished the cycle. A vanished
// source completes immediately and does not extend the cycle's path.
func (s *Service) completeBarrier(l *loop.Loop, i int, reached bool) {
	if reached {
		spec := l.Sources[i].Spec
		path := spec.Delay + time.Duration(spec.Repeats.N-1)*spec.Interval.D
		if path > l.PathEnd {
			l.PathEnd = path
		}
	}
	l.Remaining--
	if l.Remaining > 0 {
		return
	}
	l.Cycles++
	if l.Exhausted() {
		return
	}

	delay := l.Cmd.GlobalDelay
	if delay <= 0 {
		// Never overlap the tail of the cycle that just finished.
		delay = l.CycleStart.Add(l.PathEnd).Sub(s.clock.Now())
		if delay < 0 {
			delay = 0
		}
	}
	if l.Cmd.GlobalRepeats.Infinite && delay < s.cfg.MinCycleDelay {
		delay = s.cfg.MinCycleDelay
	}
	s.log.Debug("barrier reached",
		logx.String("loop", l.ID),
		logx.Int("cycle", l.Cycles),
		logx.Duration("path", l.PathEnd),
		logx.Duration("next_in", delay),
	)
	s.arm(l, loop.Global, delay, func() { s.startBarrierCycle(l) })
}
