package scheduler

import (
	"errors"
	"sync"
	"time"

	"fxloop/internal/eventbus"
	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/estimate"
	"fxloop/internal/fx/loop"
	"fxloop/internal/fx/world"
	logx "fxloop/pkg/logx"
)

var ErrUnknownLoop = errors.New("unknown loop")

// Config controls loop pacing.
//
// MinCycleDelay floors Global Delay and Token Interval wherever the matching
// repeat count is infinite, so an infinite loop can never spin at zero delay.
// Default 16ms.
type Config struct {
	MinCycleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinCycleDelay <= 0 {
		c.MinCycleDelay = 16 * time.Millisecond
	}
	return c
}

// Emitter is the visual effect primitive. Calls happen while the scheduler
// lock is held; implementations must not call back into the Service.
type Emitter interface {
	// EmitAt shows fx at a single point.
	EmitAt(fx catalog.ID, zone string, at world.Point)
	// EmitBetween shows an aimed fx travelling from one point to another.
	EmitBetween(fx catalog.ID, zone string, from, to world.Point)
}

// EmitterFunc adapts a single function to Emitter. to is nil for EmitAt.
type EmitterFunc func(fx catalog.ID, zone string, from world.Point, to *world.Point)

func (f EmitterFunc) EmitAt(fx catalog.ID, zone string, at world.Point) { f(fx, zone, at, nil) }

func (f EmitterFunc) EmitBetween(fx catalog.ID, zone string, from, to world.Point) {
	f(fx, zone, from, &to)
}

// Deps are the collaborators of a Service. Only World and Emitter are
// required.
type Deps struct {
	Clock   clock.Facility
	World   world.Querier
	Emitter Emitter
	Policy  *estimate.Policy
	Bus     eventbus.Publisher
	Log     logx.Logger
}

// LoopInfo is the read-only view of a live loop.
type LoopInfo struct {
	ID            string       `json:"id"`
	Effect        string       `json:"effect"`
	Mode          string       `json:"mode"`
	Cycles        int          `json:"cycles"`
	GlobalRepeats string       `json:"global_repeats"`
	Started       time.Time    `json:"started"`
	Pending       int          `json:"pending"`
	Sources       []SourceInfo `json:"sources"`
	Targets       []TargetInfo `json:"targets,omitempty"`
}

type SourceInfo struct {
	Actor    string `json:"actor"`
	Fired    int    `json:"fired"`
	Repeats  string `json:"repeats"`
	Interval string `json:"interval"`
	Vanished bool   `json:"vanished,omitempty"`
}

type TargetInfo struct {
	Actor    string `json:"actor"`
	Hits     int    `json:"hits"`
	Vanished bool   `json:"vanished,omitempty"`
}

// Service drives spawned loops. Every mutation of loop state, including timer
// callbacks, runs under mu.
type Service struct {
	mu sync.Mutex

	cfg    Config
	clock  clock.Facility
	world  world.Querier
	emit   Emitter
	policy *estimate.Policy
	bus    eventbus.Publisher
	log    logx.Logger

	reg *loop.Registry
}
