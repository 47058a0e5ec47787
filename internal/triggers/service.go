// Package triggers dispatches configured command lines on cron or interval
// schedules (a nightly STOP_ALL, an ambient effect every few minutes).
package triggers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "fxloop/pkg/logx"
)

type Entry struct {
	Name     string
	Schedule string
	Command  string
	Disabled bool
}

type Config struct {
	Enabled  bool
	Timezone string
	Entries  []Entry
}

// Dispatcher runs one command line. control.Controller implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, origin, text string) (string, error)
}

// EntryInfo is the read-only view of a registered trigger.
type EntryInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Command  string    `json:"command"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     int       `json:"runs"`
	LastErr  string    `json:"last_err,omitempty"`
}

type registered struct {
	entry   Entry
	id      cron.EntryID
	runs    int
	lastErr string
}

type Service struct {
	disp   Dispatcher
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	ctx     context.Context
	c       *cron.Cron
	entries map[string]*registered
}

func New(cfg Config, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		disp:    disp,
		log:     log.With(logx.String("comp", "triggers")),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*registered{},
	}
}

// Validate checks every entry's schedule and name without registering.
func Validate(cfg Config) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if strings.TrimSpace(cfg.Timezone) != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("triggers.timezone: %w", err)
		}
	}
	seen := map[string]bool{}
	var errs []error
	for i, e := range cfg.Entries {
		field := fmt.Sprintf("triggers.entries[%d]", i)
		name := strings.TrimSpace(e.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", field))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", field, name))
		}
		seen[name] = true
		if strings.TrimSpace(e.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required", field))
		}
		ps, err := ParseSchedule(e.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", field, err))
			continue
		}
		if _, err := p.Parse(ps.CronSpec()); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

// Start begins triggering. Dispatches run with ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Debug("triggers disabled")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	s.entries = map[string]*registered{}
	for _, e := range s.cfg.Entries {
		if e.Disabled {
			continue
		}
		if err := s.addLocked(e); err != nil {
			s.log.Error("trigger register failed", logx.String("name", e.Name), logx.String("schedule", e.Schedule), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Service) addLocked(e Entry) error {
	ps, err := ParseSchedule(e.Schedule)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return errors.New("name required")
	}
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("duplicate trigger %q", name)
	}
	reg := &registered{entry: e}
	id, err := s.c.AddFunc(ps.CronSpec(), func() { s.fire(name) })
	if err != nil {
		return err
	}
	reg.id = id
	s.entries[name] = reg
	s.log.Debug("trigger registered",
		logx.String("name", name),
		logx.String("spec", ps.CronSpec()),
		logx.Time("next", s.c.Entry(id).Next),
	)
	return nil
}

// Fire dispatches the named trigger immediately.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown trigger %q", name)
	}
	return s.fire(name)
}

func (s *Service) fire(name string) error {
	s.mu.Lock()
	reg, ok := s.entries[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := s.disp.Dispatch(ctx, "trigger:"+name, reg.entry.Command)

	s.mu.Lock()
	reg.runs++
	reg.lastErr = ""
	if err != nil {
		reg.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger dispatch failed", logx.String("name", name), logx.Err(err))
		return err
	}
	s.log.Debug("trigger fired", logx.String("name", name), logx.String("loop", id))
	return nil
}

// Apply replaces the configuration and re-registers every entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	started := s.ctx != nil
	if started && cfg.Enabled {
		s.startLocked()
	} else {
		s.entries = map[string]*registered{}
	}
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for name, reg := range s.entries {
		info := EntryInfo{
			Name:     name,
			Schedule: reg.entry.Schedule,
			Command:  reg.entry.Command,
			Runs:     reg.runs,
			LastErr:  reg.lastErr,
		}
		if s.c != nil {
			ce := s.c.Entry(reg.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
