// Package command turns a structured spawn invocation into a validated Command.
//
// The scheduler only ever sees Command values; all string handling lives here.
package command

import (
	"strconv"
	"time"

	"fxloop/internal/fx/catalog"
)

// Count is a positive repeat count or "infinite".
type Count struct {
	N        int
	Infinite bool
}

// Once is the default repeat count.
var Once = Count{N: 1}

// Forever is the infinite repeat count.
var Forever = Count{Infinite: true}

// Exhausted reports whether done reached the count.
func (c Count) Exhausted(done int) bool { return !c.Infinite && done >= c.N }

func (c Count) String() string {
	if c.Infinite {
		return "infinite"
	}
	return strconv.Itoa(c.N)
}

// Interval is a fixed duration or "auto" (resolved by the estimator).
type Interval struct {
	D    time.Duration
	Auto bool
}

func (i Interval) String() string {
	if i.Auto {
		return "auto"
	}
	return i.D.String()
}

type SyncMode int

const (
	// Independent paces global cycles without waiting for source chains.
	Independent SyncMode = iota
	// Barrier starts the next global cycle only after every chain finished.
	Barrier
)

func (m SyncMode) String() string {
	if m == Barrier {
		return "barrier"
	}
	return "independent"
}

type Source struct {
	Actor    string
	Delay    time.Duration
	Repeats  Count
	Interval Interval
}

type Target struct {
	Actor string
}

// Command is a validated spawn command.
type Command struct {
	Effect        catalog.ID
	Aimed         bool
	Sources       []Source
	Targets       []Target
	GlobalRepeats Count
	GlobalDelay   time.Duration
	Mode          SyncMode
}

// Paired reports whether sources pair positionally with targets.
func (c Command) Paired() bool {
	return len(c.Targets) > 0 && len(c.Sources) == len(c.Targets)
}

// TargetsFor returns the targets source i fires at: its positional partner in
// pairing mode, every target otherwise.
func (c Command) TargetsFor(i int) []Target {
	if c.Paired() {
		if i < 0 || i >= len(c.Targets) {
			return nil
		}
		return c.Targets[i : i+1]
	}
	return c.Targets
}

// Clone returns a deep copy so resolution can rewrite sources safely.
func (c Command) Clone() Command {
	cp := c
	cp.Sources = append([]Source(nil), c.Sources...)
	cp.Targets = append([]Target(nil), c.Targets...)
	return cp
}
