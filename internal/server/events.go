package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	logx "fxloop/pkg/logx"
)

const (
	wsBufferSize   = 1024
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSubBuffer    = 256
)

// eventsHandler streams bus events as JSON frames. ?types=fx.emit,fx.loop.
// restricts the stream to events whose type starts with one of the prefixes.
func (s *Service) eventsHandler(cur Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Bus == nil {
			http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
			return
		}
		upgrader := websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(r, cur.AllowedOrigins) },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var prefixes []string
		for _, p := range strings.Split(r.URL.Query().Get("types"), ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		events, unsubscribe := s.deps.Bus.Subscribe(wsSubBuffer, prefixes...)
		defer unsubscribe()

		// The read loop only exists to observe the client closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		s.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr), logx.Strings("types", prefixes))
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			case <-closed:
				s.log.Debug("event stream closed", logx.String("remote", r.RemoteAddr))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

// originAllowed accepts requests without Origin, origins listed in allowed
// (full origin or host), or same-host origins when allowed is empty.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(u.Hostname(), a) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	return strings.EqualFold(u.Hostname(), strings.Trim(host, "[]"))
}
