package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: 127.0.0.1:7070
catalog:
  path: ./effects.yaml
estimator:
  frame_rate: 30
  overrides:
    Beam:Red: 1500ms
chain:
  idle_expiry: 3s
triggers:
  enabled: true
  entries:
    - name: heartbeat
      schedule: "@every 30s"
      command: FX=spark SOURCE=beacon
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("fxloop.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.HTTP.Enabled || cfg.Estimator.FrameRate != 30 {
		t.Fatalf("decoded = %+v", cfg)
	}
	if cfg.Estimator.Overrides["Beam:Red"] != "1500ms" {
		t.Fatalf("overrides = %v", cfg.Estimator.Overrides)
	}
	if len(cfg.Triggers.Entries) != 1 || cfg.Triggers.Entries[0].Schedule != "@every 30s" {
		t.Fatalf("triggers = %+v", cfg.Triggers)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		path string
		data string
	}{
		"unknown json field": {path: "c.json", data: `{"logging":{"level":"info"},"renderer":{}}`},
		"unknown yaml field": {path: "c.yml", data: "chain:\n  idle: 3s\n"},
		"trailing data":      {path: "c.json", data: `{} {}`},
		"bad yaml":           {path: "c.yaml", data: "logging: [\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty yaml = %v, %v", cfg, err)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("FXLOOP_LOG_LEVEL", "warn")
	t.Setenv("FXLOOP_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("FXLOOP_HTTP_TOKEN", "secret")
	t.Setenv("FXLOOP_CATALOG", "/etc/fxloop/effects.yaml")

	o, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	o.Apply(cfg)
	if cfg.Logging.Level != "warn" || cfg.HTTP.Addr != "127.0.0.1:9999" || !cfg.HTTP.Enabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.HTTP.Token != "secret" || cfg.Catalog.Path != "/etc/fxloop/effects.yaml" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "fxloop.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path, Overrides{HTTPToken: "tok"})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Token != "tok" {
		t.Fatal("env override lost on load")
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	write(`{"logging":{"level":"error"}}`)
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("rejected reload = %v, %v", ok, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config was committed")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "fxloop.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path, Overrides{})
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("watched level = %q", got.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish")
	}
	cancel()
	<-done
}

func TestParseDurationMap(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationMap("estimator.overrides", map[string]string{"Beam:Red": "1.5s", "spark": "200ms"})
	if err != nil {
		t.Fatalf("ParseDurationMap: %v", err)
	}
	if got["beam:red"] != 1500*time.Millisecond || got["spark"] != 200*time.Millisecond {
		t.Fatalf("parsed = %v", got)
	}
	_, err = ParseDurationMap("estimator.overrides", map[string]string{"a": "soon", "b": "0s"})
	if err == nil || !strings.Contains(err.Error(), "estimator.overrides.a") || !strings.Contains(err.Error(), "estimator.overrides.b") {
		t.Fatalf("error = %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Token: "a"}, Chain: ChainConfig{IdleExpiry: "5s"}}
	newCfg := &Config{HTTP: HTTPConfig{Token: "b"}, Chain: ChainConfig{IdleExpiry: "2s"}, Storage: &StorageConfig{Driver: "file"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"storage", "chain"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if changed, _ := SummarizeConfigChange(nil, nil); len(changed) != 0 {
		t.Fatalf("nil configs changed = %v", changed)
	}
}
