// Package world is the query surface the scheduler uses to locate actors.
//
// Positions are in world units (pixels); radii given to Within are in grid
// cells and converted through the zone's grid scale.
package world

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// DefaultGridScale is used for zones without an explicit scale.
const DefaultGridScale = 48.0

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Actor struct {
	ID    string `json:"id"`
	Zone  string `json:"zone"`
	Pos   Point  `json:"pos"`
	Notes string `json:"notes,omitempty"`
}

// Querier resolves actors. Implementations must be safe for concurrent use.
type Querier interface {
	Actor(id string) (Actor, bool)
	Actors(zone string) []Actor
	GridScale(zone string) float64
}

// Distance returns the Euclidean distance between a and b in grid cells.
func Distance(a, b Point, scale float64) float64 {
	if scale <= 0 {
		scale = DefaultGridScale
	}
	return math.Hypot(a.X-b.X, a.Y-b.Y) / scale
}

// Within returns the actors of zone whose distance to center is <= radius
// grid cells, nearest first (ties broken by id).
func Within(q Querier, zone string, center Point, radius float64) []Actor {
	if q == nil || radius < 0 {
		return nil
	}
	scale := q.GridScale(zone)
	type hit struct {
		a Actor
		d float64
	}
	var hits []hit
	for _, a := range q.Actors(zone) {
		if d := Distance(center, a.Pos, scale); d <= radius {
			hits = append(hits, hit{a: a, d: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].d != hits[j].d {
			return hits[i].d < hits[j].d
		}
		return hits[i].a.ID < hits[j].a.ID
	})
	out := make([]Actor, len(hits))
	for i, h := range hits {
		out[i] = h.a
	}
	return out
}

// Memory is an in-memory Querier fed by the HTTP API or tests.
type Memory struct {
	mu     sync.RWMutex
	actors map[string]Actor
	scales map[string]float64
}

func NewMemory() *Memory {
	return &Memory{actors: map[string]Actor{}, scales: map[string]float64{}}
}

func (m *Memory) Upsert(a Actor) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return
	}
	m.mu.Lock()
	m.actors[a.ID] = a
	m.mu.Unlock()
}

// Remove deletes an actor and reports whether it existed.
func (m *Memory) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.actors[id]
	delete(m.actors, id)
	return ok
}

// SetGridScale sets how many world units one grid cell spans in zone.
func (m *Memory) SetGridScale(zone string, scale float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scale <= 0 {
		delete(m.scales, zone)
		return
	}
	m.scales[zone] = scale
}

func (m *Memory) Actor(id string) (Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	return a, ok
}

func (m *Memory) Actors(zone string) []Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Actor, 0, len(m.actors))
	for _, a := range m.actors {
		if a.Zone == zone {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) GridScale(zone string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.scales[zone]; ok {
		return s
	}
	return DefaultGridScale
}
