package estimate

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/command"
	"fxloop/pkg/logx"
)

func testCatalog() *catalog.Catalog {
	return catalog.New(
		map[string]catalog.Type{
			"beam": {Definition: catalog.Definition{EmitterFrames: 30, ParticleLifeFrames: 30, Aimed: true}},
		},
		map[string]catalog.Definition{
			"spark":   {EmitterFrames: 60, ParticleLifeFrames: 60},
			"aura":    {EmitterFrames: catalog.UnboundedFrames},
			"mystery": {},
		},
	)
}

func TestEstimateSources(t *testing.T) {
	t.Parallel()
	e := NewEstimator(testCatalog(), Config{
		Overrides: map[string]time.Duration{"beam:red": 3 * time.Second, "Beam": 5 * time.Second},
	})
	cases := []struct {
		id   catalog.ID
		want Result
	}{
		{id: catalog.ID{Name: "spark"}, want: Result{Kind: Finite, D: 2 * time.Second}},
		{id: catalog.ID{Name: "beam", Variant: "RED"}, want: Result{Kind: Finite, D: 3 * time.Second}},
		{id: catalog.ID{Name: "beam", Variant: "blue"}, want: Result{Kind: Finite, D: 5 * time.Second}},
		{id: catalog.ID{Name: "aura"}, want: Result{Kind: Unbounded}},
		{id: catalog.ID{Name: "mystery"}, want: Result{Kind: Unknown}},
		{id: catalog.ID{Name: "nope"}, want: Result{Kind: Unknown}},
	}
	for _, tc := range cases {
		t.Run(tc.id.Key(), func(t *testing.T) {
			if got := e.Estimate(tc.id); got != tc.want {
				t.Fatalf("Estimate(%s) = %+v, want %+v", tc.id, got, tc.want)
			}
		})
	}
}

func TestEstimateFallbackAndFrameRate(t *testing.T) {
	t.Parallel()
	e := NewEstimator(testCatalog(), Config{FrameRate: 30, Fallback: 750 * time.Millisecond})
	if got := e.Estimate(catalog.ID{Name: "spark"}); got.D != 4*time.Second {
		t.Fatalf("spark at 30fps = %v, want 4s", got.D)
	}
	if got := e.Estimate(catalog.ID{Name: "mystery"}); got != (Result{Kind: Finite, D: 750 * time.Millisecond}) {
		t.Fatalf("fallback = %+v", got)
	}
}

func TestEstimateIdempotent(t *testing.T) {
	t.Parallel()
	e := NewEstimator(testCatalog(), Config{})
	id := catalog.ID{Name: "spark"}
	first := e.Estimate(id)
	for i := 0; i < 5; i++ {
		if got := e.Estimate(id); got != first {
			t.Fatalf("estimate changed: %+v vs %+v", got, first)
		}
	}
}

func cmdFor(name string, sources ...command.Source) command.Command {
	return command.Command{Effect: catalog.ID{Name: name}, Sources: sources, GlobalRepeats: command.Once}
}

func TestResolveAutoInterval(t *testing.T) {
	t.Parallel()
	p := NewPolicy(NewEstimator(testCatalog(), Config{}), clock.NewVirtual(time.Time{}), logx.Nop())
	in := cmdFor("spark", command.Source{Actor: "A", Repeats: command.Count{N: 3}, Interval: command.Interval{Auto: true}})
	out, res := p.Resolve(in)
	if res.Kind != Finite {
		t.Fatalf("estimate = %+v", res)
	}
	if got := out.Sources[0].Interval; got.Auto || got.D != 1800*time.Millisecond {
		t.Fatalf("interval = %+v, want 1.8s", got)
	}
	if !in.Sources[0].Interval.Auto {
		t.Fatal("Resolve mutated its input")
	}
	again, _ := p.Resolve(out)
	if again.Sources[0] != out.Sources[0] {
		t.Fatalf("second resolve changed source: %+v vs %+v", again.Sources[0], out.Sources[0])
	}
}

func TestResolveClampsUnbounded(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewPolicy(NewEstimator(testCatalog(), Config{}), clock.NewVirtual(time.Time{}), logx.NewWriter(&buf, "debug"))
	out, res := p.Resolve(cmdFor("aura",
		command.Source{Actor: "A", Repeats: command.Count{N: 5}, Interval: command.Interval{D: time.Second}},
		command.Source{Actor: "B", Repeats: command.Forever, Interval: command.Interval{Auto: true}},
	))
	if res.Kind != Unbounded {
		t.Fatalf("estimate = %+v", res)
	}
	for _, src := range out.Sources {
		if src.Repeats != command.Once {
			t.Fatalf("source %s repeats = %v, want 1", src.Actor, src.Repeats)
		}
	}
	if n := strings.Count(buf.String(), "repeats clamped"); n != 2 {
		t.Fatalf("clamp diagnostics = %d, want 2\n%s", n, buf.String())
	}
}

func TestResolveUnknownUsesDefault(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewPolicy(NewEstimator(testCatalog(), Config{DefaultInterval: 2 * time.Second}), clock.NewVirtual(time.Time{}), logx.NewWriter(&buf, "debug"))
	out, _ := p.Resolve(cmdFor("mystery", command.Source{Actor: "A", Repeats: command.Count{N: 2}, Interval: command.Interval{Auto: true}}))
	if got := out.Sources[0].Interval; got.D != 2*time.Second || got.Auto {
		t.Fatalf("interval = %+v", got)
	}
	if !strings.Contains(buf.String(), "auto interval undeterminable") {
		t.Fatalf("missing fallback diagnostic:\n%s", buf.String())
	}
}

func TestOverlapWarningRateLimited(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	clk := clock.NewVirtual(time.Time{})
	p := NewPolicy(NewEstimator(testCatalog(), Config{OverlapWarnCooldown: 10 * time.Second}), clk, logx.NewWriter(&buf, "debug"))
	cmd := cmdFor("spark", command.Source{Actor: "A", Repeats: command.Count{N: 4}, Interval: command.Interval{D: 100 * time.Millisecond}})

	p.Resolve(cmd)
	p.Resolve(cmd)
	clk.Advance(5 * time.Second)
	p.Resolve(cmd)
	if n := strings.Count(buf.String(), "emissions will overlap"); n != 1 {
		t.Fatalf("warnings within cooldown = %d, want 1", n)
	}
	clk.Advance(6 * time.Second)
	p.Resolve(cmd)
	if n := strings.Count(buf.String(), "emissions will overlap"); n != 2 {
		t.Fatalf("warnings after cooldown = %d, want 2", n)
	}

	ok := cmdFor("spark", command.Source{Actor: "A", Repeats: command.Count{N: 4}, Interval: command.Interval{D: time.Second}})
	buf.Reset()
	clk.Advance(time.Minute)
	p.Resolve(ok)
	if strings.Contains(buf.String(), "emissions will overlap") {
		t.Fatal("interval above threshold should not warn")
	}
}

func TestOverlapWarnLimitersPruned(t *testing.T) {
	t.Parallel()
	clk := clock.NewVirtual(time.Time{})
	p := NewPolicy(NewEstimator(testCatalog(), Config{OverlapWarnCooldown: 10 * time.Second}), clk, logx.Nop())

	for i := range maxWarnLimiters {
		if !p.allowWarn(fmt.Sprintf("custom-%d", i)) {
			t.Fatalf("first warning for custom-%d suppressed", i)
		}
	}
	if n := p.warnLimiters(); n != maxWarnLimiters {
		t.Fatalf("limiters = %d, want %d", n, maxWarnLimiters)
	}

	// Still cooling down: nothing can be pruned and the cooldown holds.
	if !p.allowWarn("fresh") {
		t.Fatal("first warning for fresh suppressed")
	}
	if p.allowWarn("custom-0") {
		t.Fatal("custom-0 warned again inside its cooldown")
	}
	if n := p.warnLimiters(); n != maxWarnLimiters+1 {
		t.Fatalf("limiters during cooldown = %d, want %d", n, maxWarnLimiters+1)
	}

	clk.Advance(11 * time.Second)
	if !p.allowWarn("later") {
		t.Fatal("first warning for later suppressed")
	}
	if n := p.warnLimiters(); n != 1 {
		t.Fatalf("limiters after prune = %d, want 1", n)
	}
	if !p.allowWarn("custom-0") {
		t.Fatal("custom-0 should warn again after its cooldown")
	}
}
