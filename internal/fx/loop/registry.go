package loop

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Registry maps generated loop ids to live loops.
type Registry struct {
	prefix string
	seq    uint64
	loops  map[string]*Loop
}

func NewRegistry(prefix string) *Registry {
	if strings.TrimSpace(prefix) == "" {
		prefix = "fx"
	}
	return &Registry{prefix: prefix, loops: map[string]*Loop{}}
}

// NextID reserves a fresh loop id.
func (r *Registry) NextID() string {
	r.seq++
	return fmt.Sprintf("%s-%d", r.prefix, r.seq)
}

// Register stores l under its id.
func (r *Registry) Register(l *Loop) string {
	if l.ID == "" {
		l.ID = r.NextID()
	}
	r.loops[l.ID] = l
	return l.ID
}

func (r *Registry) Lookup(id string) (*Loop, bool) {
	l, ok := r.loops[id]
	return l, ok
}

// Remove drops id without touching its timers.
func (r *Registry) Remove(id string) (*Loop, bool) {
	l, ok := r.loops[id]
	if ok {
		delete(r.loops, id)
	}
	return l, ok
}

// Cancel stops every timer of id and removes it.
func (r *Registry) Cancel(id string) (*Loop, bool) {
	l, ok := r.Remove(id)
	if ok {
		l.Cancel()
	}
	return l, ok
}

// CancelAll cancels every loop and returns them in id order.
func (r *Registry) CancelAll() []*Loop {
	out := r.All()
	for _, l := range out {
		l.Cancel()
	}
	r.loops = map[string]*Loop{}
	return out
}

func (r *Registry) Len() int { return len(r.loops) }

// All returns the live loops ordered by creation.
func (r *Registry) All() []*Loop {
	out := make([]*Loop, 0, len(r.loops))
	for _, l := range r.loops {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return r.order(out[i].ID) < r.order(out[j].ID) })
	return out
}

func (r *Registry) order(id string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, r.prefix+"-"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
