package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"fxloop/internal/fx/chain"
	"fxloop/internal/fx/command"
	"fxloop/internal/fx/scheduler"
	"fxloop/internal/fx/world"
	"fxloop/internal/storage"
)

const maxBody = 64 << 10

// Handler builds the routed API for cur. It is exposed for httptest.
func (s *Service) Handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "loops": len(s.deps.Control.Loops())})
	})

	mux.HandleFunc("POST /v1/spawn", wrap(s.handleSpawn))
	mux.HandleFunc("GET /v1/loops", wrap(s.handleLoops))
	mux.HandleFunc("GET /v1/loops/{id}", wrap(s.handleLoop))
	mux.HandleFunc("POST /v1/loops/{id}/stop", wrap(s.handleStop))
	mux.HandleFunc("POST /v1/stop-all", wrap(s.handleStopAll))
	mux.HandleFunc("POST /v1/chain", wrap(s.handleChain))
	mux.HandleFunc("GET /v1/chain", wrap(s.handleChainState))
	mux.HandleFunc("GET /v1/actors", wrap(s.handleActors))
	mux.HandleFunc("PUT /v1/actors/{id}", wrap(s.handlePutActor))
	mux.HandleFunc("DELETE /v1/actors/{id}", wrap(s.handleDeleteActor))
	mux.HandleFunc("GET /v1/audit", wrap(s.handleAudit))
	mux.HandleFunc("GET /v1/events", wrap(s.eventsHandler(cur)))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func origin(r *http.Request) string { return "http:" + r.RemoteAddr }

// handleSpawn accepts a JSON Request or plain KEY=VALUE text.
func (s *Service) handleSpawn(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var id string
	if isJSON(r) {
		var req command.Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err = s.deps.Control.Spawn(r.Context(), origin(r), req)
	} else {
		id, err = s.deps.Control.SpawnText(r.Context(), origin(r), string(body))
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"loop_id": id})
}

func (s *Service) handleLoops(w http.ResponseWriter, r *http.Request) {
	loops := s.deps.Control.Loops()
	if loops == nil {
		loops = []scheduler.LoopInfo{}
	}
	writeJSON(w, http.StatusOK, loops)
}

func (s *Service) handleLoop(w http.ResponseWriter, r *http.Request) {
	info, ok := s.deps.Control.Loop(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrUnknownLoop)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Control.Stop(r.Context(), origin(r), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": id})
}

func (s *Service) handleStopAll(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Control.StopAll(r.Context(), origin(r))
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"stopped": ids})
}

func (s *Service) handleChain(w http.ResponseWriter, r *http.Request) {
	var req chain.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.deps.Control.Chain(r.Context(), origin(r), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if res.Matched == nil {
		res.Matched = []string{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleChainState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Control.ChainState())
}

func (s *Service) handleActors(w http.ResponseWriter, r *http.Request) {
	if s.deps.World == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("world not writable"))
		return
	}
	actors := s.deps.World.Actors(r.URL.Query().Get("zone"))
	if actors == nil {
		actors = []world.Actor{}
	}
	writeJSON(w, http.StatusOK, actors)
}

func (s *Service) handlePutActor(w http.ResponseWriter, r *http.Request) {
	if s.deps.World == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("world not writable"))
		return
	}
	var a world.Actor
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.ID = r.PathValue("id")
	if strings.TrimSpace(a.ID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("actor id required"))
		return
	}
	s.deps.World.Upsert(a)
	writeJSON(w, http.StatusOK, a)
}

func (s *Service) handleDeleteActor(w http.ResponseWriter, r *http.Request) {
	if s.deps.World == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("world not writable"))
		return
	}
	if !s.deps.World.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("unknown actor"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be 1..1000"))
			return
		}
		limit = n
	}
	entries, err := s.deps.Control.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	var verr *command.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrUnknownLoop), errors.Is(err, chain.ErrUnknownOrigin):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

type errorBody struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			body.Errors = append(body.Errors, e.Error())
		}
		body.Error = "invalid command"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
