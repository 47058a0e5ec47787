package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fxloop/internal/eventbus"
	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/chain"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/control"
	"fxloop/internal/fx/scheduler"
	"fxloop/internal/fx/world"
)

type fixture struct {
	srv   *httptest.Server
	clk   *clock.Virtual
	world *world.Memory
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clk:   clock.NewVirtual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		world: world.NewMemory(),
		bus:   eventbus.New(),
	}
	f.world.Upsert(world.Actor{ID: "torch", Zone: "hall"})
	f.world.Upsert(world.Actor{ID: "brazier", Zone: "hall", Pos: world.Point{X: 48}, Notes: "<fire>"})

	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Clock:   f.clk,
		World:   f.world,
		Emitter: scheduler.EmitterFunc(func(catalog.ID, string, world.Point, *world.Point) {}),
		Bus:     f.bus,
	})
	prop := chain.New(chain.Config{}, chain.Deps{Clock: f.clk, World: f.world, Bus: f.bus})
	ctl := control.New(control.Deps{Scheduler: sched, Chain: prop})

	svc := New(cfg, Deps{Control: ctl, World: f.world, Bus: f.bus})
	f.srv = httptest.NewServer(svc.Handler(cfg))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSpawnStopLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/v1/spawn", "text/plain", "FX=spark SOURCE=torch GLOBAL_REPEATS=infinite GLOBAL_DELAY=1s")
	if resp.StatusCode != http.StatusCreated || body["loop_id"] != "fx-1" {
		t.Fatalf("text spawn = %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/v1/spawn", "application/json",
		`{"fx":"spark","sources":[{"actor":"torch","repeats":3,"interval":"100ms"}],"sync_mode":"barrier"}`)
	if resp.StatusCode != http.StatusCreated || body["loop_id"] != "fx-2" {
		t.Fatalf("json spawn = %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/loops/fx-2", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get loop = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/loops/fx-1/stop", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/loops/fx-1/stop", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second stop = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/stop-all", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop-all = %d", resp.StatusCode)
	}
	if ids, _ := body["stopped"].([]any); len(ids) != 1 || ids[0] != "fx-2" {
		t.Fatalf("stop-all body = %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["loops"] != float64(0) {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestSpawnValidationErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodPost, "/v1/spawn", "application/json", `{"sources":[{"actor":"torch","repeats":"lots"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 2 {
		t.Fatalf("errors = %v", body)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/spawn", "text/plain", "FX=spark BOGUS=1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/spawn", "application/json", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", resp.StatusCode)
	}
}

func TestActorsAndChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	resp, _ := f.do(t, http.MethodPut, "/v1/actors/lamp", "application/json", `{"zone":"hall","pos":{"x":0,"y":48},"notes":"<fire>"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put actor = %d", resp.StatusCode)
	}
	if a, ok := f.world.Actor("lamp"); !ok || a.Pos.Y != 48 {
		t.Fatalf("actor = %+v %v", a, ok)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/chain", "application/json", `{"origin":"torch","tag":"fire","radius":1.5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chain = %d %v", resp.StatusCode, body)
	}
	if matched, _ := body["matched"].([]any); len(matched) != 2 {
		t.Fatalf("matched = %v", body)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/chain", "application/json", `{"origin":"ghost","tag":"fire","radius":1}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown origin = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/actors/lamp", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/v1/actors/lamp", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/audit", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("audit without store = %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/v1/loops", "", "")
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/loops?token=nope", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/loops", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("bearer = %d", r.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not need auth, got %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?types=fx.emit,fx.probe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames := make(chan map[string]any, 64)
	go func() {
		defer close(frames)
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			frames <- m
		}
	}()

	// The subscription is registered after the upgrade completes.
	deadline := time.After(5 * time.Second)
	for subscribed := false; !subscribed; {
		f.bus.Publish(eventbus.Event{Type: "fx.probe"})
		select {
		case <-frames:
			subscribed = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("subscription never became active")
		}
	}

	resp, _ := f.do(t, http.MethodPost, "/v1/spawn", "text/plain", "FX=spark SOURCE=torch")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn = %d", resp.StatusCode)
	}
	f.clk.Advance(0)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-frames:
			if m["type"] == "fx.probe" {
				continue
			}
			if m["type"] != eventbus.TypeEmit {
				t.Fatalf("frame type = %v", m["type"])
			}
			data, _ := m["data"].(map[string]any)
			if data["loop_id"] != "fx-1" || data["source"] != "torch" {
				t.Fatalf("frame data = %v", data)
			}
			return
		case <-timeout:
			t.Fatal("no emission frame")
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		host    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "127.0.0.1:7070", want: true},
		{name: "same host", host: "127.0.0.1:7070", origin: "http://127.0.0.1:3000", want: true},
		{name: "other host", host: "127.0.0.1:7070", origin: "http://evil.example", want: false},
		{name: "allow list", host: "127.0.0.1:7070", origin: "http://viewer.local", allowed: []string{"viewer.local"}, want: true},
		{name: "not in list", host: "viewer.local", origin: "http://viewer.local", allowed: []string{"other"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := originAllowed(r, tc.allowed); got != tc.want {
				t.Fatalf("originAllowed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	if !isLoopbackAddr("127.0.0.1:0") || !isLoopbackAddr("localhost:1") || isLoopbackAddr(":7070") || isLoopbackAddr("0.0.0.0:1") {
		t.Fatal("isLoopbackAddr misclassified")
	}

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	for svc.Addr() == "" {
		select {
		case <-ctx.Done():
			t.Fatal("listener never bound")
		case <-time.After(5 * time.Millisecond):
		}
	}
	svc.Stop(ctx)
	if svc.Addr() != "" {
		t.Fatal("listener still bound after Stop")
	}
}
