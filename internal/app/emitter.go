package app

import (
	"sync/atomic"

	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/world"
	logx "fxloop/pkg/logx"
)

// traceEmitter is the daemon's emitter. Rendering happens in clients of the
// event stream; the scheduler publishes every emission to the bus itself, so
// this sink only counts and traces.
type traceEmitter struct {
	log   logx.Logger
	count atomic.Uint64
}

func newTraceEmitter(log logx.Logger) *traceEmitter {
	return &traceEmitter{log: log.With(logx.String("comp", "emitter"))}
}

func (e *traceEmitter) EmitAt(fx catalog.ID, zone string, at world.Point) {
	e.count.Add(1)
	e.log.Trace("emit",
		logx.String("fx", fx.Key()),
		logx.String("zone", zone),
		logx.Float64("x", at.X),
		logx.Float64("y", at.Y),
	)
}

func (e *traceEmitter) EmitBetween(fx catalog.ID, zone string, from, to world.Point) {
	e.count.Add(1)
	e.log.Trace("emit",
		logx.String("fx", fx.Key()),
		logx.String("zone", zone),
		logx.Float64("x", from.X),
		logx.Float64("y", from.Y),
		logx.Float64("to_x", to.X),
		logx.Float64("to_y", to.Y),
	)
}

// Emitted returns the number of emissions so far.
func (e *traceEmitter) Emitted() uint64 { return e.count.Load() }
