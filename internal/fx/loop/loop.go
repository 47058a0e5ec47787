// Package loop holds the runtime state of spawned effect loops and the
// registry that maps loop ids to them.
//
// Nothing here is safe for concurrent use. The scheduler owns every Loop and
// the Registry and serializes access with its own lock.
package loop

import (
	"time"

	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/command"
)

// Global is the owner index for loop-level timers (cycle restarts).
const Global = -1

// SourceState is the runtime state of one source chain.
type SourceState struct {
	Spec command.Source

	// CycleFired counts repeats consumed in the current barrier cycle.
	CycleFired int
	// Fired counts every firing over the loop lifetime.
	Fired int
	// Vanished is set once the actor stopped resolving.
	Vanished bool

	handles map[uint64]clock.Handle
}

// Pending returns the number of outstanding timers owned by this chain.
func (s *SourceState) Pending() int { return len(s.handles) }

// TargetState is the runtime state of one aimed target.
type TargetState struct {
	Spec command.Target

	// Hits counts emissions that reached this target.
	Hits int
	// Vanished is set while the actor does not resolve. The target is
	// looked up again on every firing and clears once it reappears.
	Vanished bool
}

// Loop is one spawned command.
type Loop struct {
	ID      string
	Cmd     command.Command
	Started time.Time

	Sources []*SourceState
	Targets []*TargetState
	// Cycles counts initiated (independent) or completed (barrier) global cycles.
	Cycles int

	// Barrier bookkeeping for the running cycle.
	CycleStart time.Time
	Remaining  int
	PathEnd    time.Duration

	cancelled bool
	seq       uint64
	global    map[uint64]clock.Handle
}

// New builds the state for a resolved command.
func New(id string, cmd command.Command, now time.Time) *Loop {
	l := &Loop{
		ID:      id,
		Cmd:     cmd,
		Started: now,
		global:  map[uint64]clock.Handle{},
	}
	for _, src := range cmd.Sources {
		l.Sources = append(l.Sources, &SourceState{Spec: src, handles: map[uint64]clock.Handle{}})
	}
	for _, t := range cmd.Targets {
		l.Targets = append(l.Targets, &TargetState{Spec: t})
	}
	return l
}

// TargetsFor returns the target states source i fires at, following the
// command's pairing rule.
func (l *Loop) TargetsFor(i int) []*TargetState {
	if l.Cmd.Paired() {
		if i < 0 || i >= len(l.Targets) {
			return nil
		}
		return l.Targets[i : i+1]
	}
	return l.Targets
}

// Track records an outstanding timer for owner (a source index or Global)
// and returns the token the timer callback hands to Release.
func (l *Loop) Track(owner int, h clock.Handle) uint64 {
	l.seq++
	id := l.seq
	if set := l.handles(owner); set != nil {
		set[id] = h
	}
	return id
}

// Release is called by a firing timer. It reports whether the callback may
// proceed: false once the loop is cancelled or the handle was cleared.
func (l *Loop) Release(owner int, id uint64) bool {
	if l.cancelled {
		return false
	}
	set := l.handles(owner)
	if set == nil {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	return true
}

// ClearSource stops every timer of source i.
func (l *Loop) ClearSource(i int) int {
	set := l.handles(i)
	n := 0
	for id, h := range set {
		h.Stop()
		delete(set, id)
		n++
	}
	return n
}

// Cancel stops every outstanding timer and marks the loop dead. Callbacks
// already in flight observe Cancelled and do nothing.
func (l *Loop) Cancel() int {
	l.cancelled = true
	n := 0
	for id, h := range l.global {
		h.Stop()
		delete(l.global, id)
		n++
	}
	for i := range l.Sources {
		n += l.ClearSource(i)
	}
	return n
}

func (l *Loop) Cancelled() bool { return l.cancelled }

// Pending returns the number of outstanding timers across the loop.
func (l *Loop) Pending() int {
	n := len(l.global)
	for _, s := range l.Sources {
		n += len(s.handles)
	}
	return n
}

// Exhausted reports whether the global repeat budget is used up.
func (l *Loop) Exhausted() bool { return l.Cmd.GlobalRepeats.Exhausted(l.Cycles) }

func (l *Loop) handles(owner int) map[uint64]clock.Handle {
	if owner == Global {
		return l.global
	}
	if owner < 0 || owner >= len(l.Sources) {
		return nil
	}
	return l.Sources[owner].handles
}
