package eventbus

// Domain event types published by the fx services.
const (
	TypeEmit          = "fx.emit"
	TypeLoopStarted   = "fx.loop.started"
	TypeLoopFinished  = "fx.loop.finished"
	TypeLoopCancelled = "fx.loop.cancelled"
	TypeChainTrigger  = "fx.chain.triggered"
	TypeChainReset    = "fx.chain.reset"
	TypeConfigReload  = "config.reloaded"
)

// Point mirrors world.Point so the bus has no fx imports.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Emission is the payload of TypeEmit.
type Emission struct {
	LoopID string `json:"loop_id"`
	Effect string `json:"effect"`
	Cycle  int    `json:"cycle"`
	Source string `json:"source"`
	Zone   string `json:"zone"`
	From   Point  `json:"from"`
	Target string `json:"target,omitempty"`
	To     *Point `json:"to,omitempty"`
}

// LoopEvent is the payload of the loop lifecycle events.
type LoopEvent struct {
	LoopID  string `json:"loop_id"`
	Effect  string `json:"effect"`
	Mode    string `json:"mode"`
	Cycles  int    `json:"cycles"`
	Reason  string `json:"reason,omitempty"`
	Sources int    `json:"sources"`
}

// ChainEvent is the payload of TypeChainTrigger.
type ChainEvent struct {
	Origin string  `json:"origin"`
	Actor  string  `json:"actor"`
	Tag    string  `json:"tag"`
	Depth  int     `json:"depth"`
	Action string  `json:"action,omitempty"`
	Radius float64 `json:"radius"`
}

// ChainReset is the payload of TypeChainReset.
type ChainReset struct {
	Reason string `json:"reason"`
	Counts int    `json:"counts"`
}

// Publisher is the publish half of Bus.
type Publisher interface {
	Publish(e Event)
}
