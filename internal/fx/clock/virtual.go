package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Virtual is a deterministic Facility for tests and offline simulation.
//
// Time only moves when Advance or AdvanceTo is called. Timers scheduled from
// inside a callback are honored within the same Advance call if they fall due
// before its end.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers virtualHeap
}

// NewVirtual returns a virtual clock starting at start. A zero start uses the Unix epoch.
func NewVirtual(start time.Time) *Virtual {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{clock: v, when: v.now.Add(d), seq: v.seq, fn: fn}
	heap.Push(&v.timers, t)
	return t
}

// Pending returns the number of live timers.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

// Advance moves the clock forward by d, running every timer that falls due.
func (v *Virtual) Advance(d time.Duration) {
	v.AdvanceTo(v.Now().Add(d))
}

// AdvanceTo moves the clock to target, running every timer due at or before it.
func (v *Virtual) AdvanceTo(target time.Time) {
	for v.runOne(target) {
	}
	v.mu.Lock()
	if target.After(v.now) {
		v.now = target
	}
	v.mu.Unlock()
}

// RunUntilIdle advances through every pending timer, stopping after limit
// callbacks so an infinitely re-arming chain cannot hang a test. It returns
// the number of callbacks run.
func (v *Virtual) RunUntilIdle(limit int) int {
	n := 0
	for n < limit {
		v.mu.Lock()
		if len(v.timers) == 0 {
			v.mu.Unlock()
			return n
		}
		next := v.timers[0].when
		v.mu.Unlock()
		if !v.runOne(next) {
			return n
		}
		n++
	}
	return n
}

// runOne pops and runs the earliest timer due at or before target.
func (v *Virtual) runOne(target time.Time) bool {
	v.mu.Lock()
	if len(v.timers) == 0 || v.timers[0].when.After(target) {
		v.mu.Unlock()
		return false
	}
	t := heap.Pop(&v.timers).(*virtualTimer)
	t.index = -1
	if t.when.After(v.now) {
		v.now = t.when
	}
	fn := t.fn
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

type virtualTimer struct {
	clock *Virtual
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

func (t *virtualTimer) Stop() bool {
	v := t.clock
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&v.timers, t.index)
	t.index = -1
	return true
}

// virtualHeap orders timers by due time, then by scheduling order.
type virtualHeap []*virtualTimer

func (h virtualHeap) Len() int { return len(h) }
func (h virtualHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h virtualHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *virtualHeap) Push(x any) {
	t := x.(*virtualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *virtualHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
