// Package control is the single entry point for operator commands. HTTP
// handlers, scheduled triggers and chain actions all go through a Controller
// so every command is validated, logged and audited the same way.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/chain"
	"fxloop/internal/fx/command"
	"fxloop/internal/fx/scheduler"
	"fxloop/internal/fx/world"
	"fxloop/internal/storage"
	logx "fxloop/pkg/logx"
)

// Audit actions.
const (
	ActionSpawn   = "spawn"
	ActionStop    = "stop"
	ActionStopAll = "stop_all"
	ActionChain   = "chain"
)

type Controller struct {
	sched   *scheduler.Service
	chain   *chain.Propagator
	catalog *catalog.Catalog
	log     logx.Logger

	mu    sync.RWMutex
	store storage.Store

	now func() time.Time
}

type Deps struct {
	Scheduler *scheduler.Service
	Chain     *chain.Propagator
	Catalog   *catalog.Catalog
	// Store is optional; nil disables auditing.
	Store storage.Store
	Log   logx.Logger
}

func New(d Deps) *Controller {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		sched:   d.Scheduler,
		chain:   d.Chain,
		catalog: d.Catalog,
		store:   d.Store,
		log:     log.With(logx.String("comp", "control")),
		now:     time.Now,
	}
}

// SetStore swaps the audit store after a storage reload.
func (c *Controller) SetStore(st storage.Store) {
	c.mu.Lock()
	c.store = st
	c.mu.Unlock()
}

func (c *Controller) auditStore() storage.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// Spawn validates req and starts a loop.
func (c *Controller) Spawn(ctx context.Context, origin string, req command.Request) (string, error) {
	cmd, err := command.Validate(req, c.catalog)
	entry := storage.AuditEntry{Action: ActionSpawn, Origin: origin, Effect: req.FX, Args: describe(req)}
	if err != nil {
		c.audit(ctx, entry, err)
		return "", err
	}
	entry.Effect = cmd.Effect.Key()
	id, err := c.sched.Spawn(cmd)
	entry.LoopID = id
	c.audit(ctx, entry, err)
	return id, err
}

// SpawnText parses KEY=VALUE text and spawns it.
func (c *Controller) SpawnText(ctx context.Context, origin, text string) (string, error) {
	req, err := command.ParseArgs(command.SplitArgs(text))
	if err != nil {
		c.audit(ctx, storage.AuditEntry{Action: ActionSpawn, Origin: origin, Args: text}, err)
		return "", err
	}
	return c.Spawn(ctx, origin, req)
}

func (c *Controller) Stop(ctx context.Context, origin, id string) error {
	err := c.sched.Stop(id)
	c.audit(ctx, storage.AuditEntry{Action: ActionStop, Origin: origin, LoopID: id}, err)
	return err
}

// StopAll cancels every loop and clears the chain reaction state.
func (c *Controller) StopAll(ctx context.Context, origin string) []string {
	ids := c.sched.StopAll()
	if c.chain != nil {
		c.chain.Reset("stop_all")
	}
	c.audit(ctx, storage.AuditEntry{Action: ActionStopAll, Origin: origin, Args: strings.Join(ids, ",")}, nil)
	return ids
}

func (c *Controller) Chain(ctx context.Context, origin string, req chain.Request) (chain.Result, error) {
	if c.chain == nil {
		return chain.Result{}, errors.New("chain propagation disabled")
	}
	res, err := c.chain.Trigger(ctx, req)
	args := fmt.Sprintf("ORIGIN=%s TAG=%s RADIUS=%g", req.Origin, req.Tag, req.Radius)
	if req.Action != "" {
		args += " ACTION=" + strconv.Quote(req.Action)
	}
	c.audit(ctx, storage.AuditEntry{Action: ActionChain, Origin: origin, Args: args}, err)
	return res, err
}

// Dispatch runs one line of command text:
//
//	STOP_ALL
//	STOP <loop-id>
//	CHAIN ORIGIN=<actor> TAG=<tag> RADIUS=<n> [ACTION="..."]
//	<spawn KEY=VALUE args>
//
// The returned string is the new loop id for spawns.
func (c *Controller) Dispatch(ctx context.Context, origin, text string) (string, error) {
	tokens := command.SplitArgs(text)
	if len(tokens) == 0 {
		return "", errors.New("empty command")
	}
	switch strings.ToUpper(tokens[0]) {
	case "STOP_ALL", "STOPALL":
		c.StopAll(ctx, origin)
		return "", nil
	case "STOP":
		if len(tokens) != 2 {
			return "", errors.New("usage: STOP <loop-id>")
		}
		return "", c.Stop(ctx, origin, tokens[1])
	case "CHAIN":
		req, err := ParseChainArgs(tokens[1:])
		if err != nil {
			return "", err
		}
		_, err = c.Chain(ctx, origin, req)
		return "", err
	}
	req, err := command.ParseArgs(tokens)
	if err != nil {
		c.audit(ctx, storage.AuditEntry{Action: ActionSpawn, Origin: origin, Args: text}, err)
		return "", err
	}
	return c.Spawn(ctx, origin, req)
}

// RunAction is the chain.ActionRunner used for propagated actions.
func (c *Controller) RunAction(ctx context.Context, actor world.Actor, action string) error {
	_, err := c.Dispatch(ctx, "chain:"+actor.ID, action)
	return err
}

func (c *Controller) Loops() []scheduler.LoopInfo { return c.sched.Snapshot() }

func (c *Controller) Loop(id string) (scheduler.LoopInfo, bool) { return c.sched.Lookup(id) }

func (c *Controller) ChainState() chain.State {
	if c.chain == nil {
		return chain.State{}
	}
	return c.chain.State()
}

// Recent returns the newest audit entries.
func (c *Controller) Recent(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	st := c.auditStore()
	if st == nil {
		return nil, storage.ErrDisabled
	}
	return st.Recent(ctx, limit)
}

// ParseChainArgs parses ORIGIN=, TAG=, RADIUS= and ACTION= tokens.
func ParseChainArgs(tokens []string) (chain.Request, error) {
	var (
		req  chain.Request
		errs []error
	)
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("%s: expected KEY=VALUE", tok))
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "ORIGIN":
			req.Origin = strings.TrimSpace(v)
		case "TAG":
			req.Tag = strings.TrimSpace(v)
		case "RADIUS":
			r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || r < 0 {
				errs = append(errs, fmt.Errorf("RADIUS: must be a number >= 0"))
				continue
			}
			req.Radius = r
		case "ACTION":
			req.Action = v
		default:
			errs = append(errs, fmt.Errorf("%s: unknown parameter", k))
		}
	}
	if req.Origin == "" {
		errs = append(errs, errors.New("ORIGIN: required"))
	}
	if req.Tag == "" {
		errs = append(errs, errors.New("TAG: required"))
	}
	return req, errors.Join(errs...)
}

func (c *Controller) audit(ctx context.Context, e storage.AuditEntry, err error) {
	e.At = c.now()
	e.OK = err == nil
	if err != nil {
		e.Error = err.Error()
		c.log.Warn("command rejected",
			logx.String("action", e.Action),
			logx.String("origin", e.Origin),
			logx.String("args", e.Args),
			logx.Err(err),
		)
	} else {
		c.log.Debug("command accepted",
			logx.String("action", e.Action),
			logx.String("origin", e.Origin),
			logx.String("loop", e.LoopID),
		)
	}
	st := c.auditStore()
	if st == nil {
		return
	}
	if aerr := st.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func describe(req command.Request) string {
	var b strings.Builder
	add := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	add("FX", req.FX)
	add("COLOR", req.Color)
	for _, s := range req.Sources {
		add("SOURCE", s.Actor)
		add("DELAY", s.Delay.String())
		add("REPEATS", s.Repeats.String())
		add("INTERVAL", s.Interval.String())
	}
	for _, t := range req.Targets {
		add("TARGET", t)
	}
	add("GLOBAL_REPEATS", req.GlobalRepeats.String())
	add("GLOBAL_DELAY", req.GlobalDelay.String())
	add("SYNC_MODE", req.SyncMode)
	return b.String()
}
