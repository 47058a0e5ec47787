package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "fxloop/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		kind SpecKind
		cron string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 90s", kind: SpecCron, cron: "@every 90s"},
		{in: "cron:0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "45s", kind: SpecInterval, cron: "@every 45s"},
		{in: "02:30", kind: SpecInterval, cron: "@every 2h30m0s"},
		{in: "every: 00:50", kind: SpecInterval, cron: "@every 50m0s"},
		{in: "interval:2h", kind: SpecInterval, cron: "@every 2h0m0s"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tc.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if ps.Kind != tc.kind || ps.CronSpec() != tc.cron {
				t.Fatalf("ParseSchedule(%q) = %+v (%s)", tc.in, ps, ps.CronSpec())
			}
		})
	}

	for _, bad := range []string{"", "soon", "00:75", "0s", "-5m", "cron:", "every:"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := Config{Timezone: "UTC", Entries: []Entry{
		{Name: "nightly", Schedule: "0 3 * * *", Command: "STOP_ALL"},
		{Name: "ambient", Schedule: "5m", Command: "FX=spark SOURCE=torch"},
	}}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := Config{Timezone: "Mars/Olympus", Entries: []Entry{
		{Name: "a", Schedule: "61 * * * *", Command: "STOP_ALL"},
		{Name: "a", Schedule: "5m"},
	}}
	if err := Validate(bad); err == nil {
		t.Fatal("expected timezone error")
	}
	bad.Timezone = ""
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected errors")
	}
	if n := len(err.(interface{ Unwrap() []error }).Unwrap()); n != 3 {
		t.Fatalf("errors = %v", err)
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	fired chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, origin, text string) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, origin+" "+text)
	d.mu.Unlock()
	if d.fired != nil {
		select {
		case d.fired <- struct{}{}:
		default:
		}
	}
	if d.fail {
		return "", errors.New("rejected")
	}
	return "fx-1", nil
}

func TestFireAndSnapshot(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	svc := New(Config{Enabled: true, Timezone: "UTC", Entries: []Entry{
		{Name: "nightly", Schedule: "0 3 * * *", Command: "STOP_ALL"},
		{Name: "off", Schedule: "1m", Command: "STOP_ALL", Disabled: true},
	}}, disp, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	if err := svc.Fire("nightly"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := svc.Fire("off"); err == nil {
		t.Fatal("disabled trigger fired")
	}
	if len(disp.calls) != 1 || disp.calls[0] != "trigger:nightly STOP_ALL" {
		t.Fatalf("calls = %v", disp.calls)
	}

	snap := svc.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].Next.IsZero() || snap[0].Next.Hour() != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	disp.fail = true
	if err := svc.Fire("nightly"); err == nil {
		t.Fatal("expected dispatch error")
	}
	if snap := svc.Snapshot(); snap[0].LastErr != "rejected" || snap[0].Runs != 2 {
		t.Fatalf("snapshot after failure = %+v", snap)
	}
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{fired: make(chan struct{}, 1)}
	svc := New(Config{Enabled: true, Entries: []Entry{
		{Name: "pulse", Schedule: "1s", Command: "FX=spark SOURCE=torch"},
	}}, disp, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	select {
	case <-disp.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never fired")
	}
}

func TestApplyReplacesEntries(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Entries: []Entry{{Name: "a", Schedule: "1h", Command: "STOP_ALL"}}}, &recordingDispatcher{}, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.Apply(Config{Enabled: true, Entries: []Entry{
		{Name: "b", Schedule: "2h", Command: "STOP_ALL"},
		{Name: "c", Schedule: "@daily", Command: "STOP_ALL"},
	}})
	snap := svc.Snapshot()
	if len(snap) != 2 || snap[0].Name != "b" || snap[1].Name != "c" {
		t.Fatalf("snapshot = %+v", snap)
	}

	svc.Apply(Config{Enabled: false})
	if len(svc.Snapshot()) != 0 {
		t.Fatal("disabled config kept entries")
	}
}
