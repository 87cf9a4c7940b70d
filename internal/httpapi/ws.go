package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/metrics"
)

const (
	defaultWebSocketReadLimit    = 1024
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Log the error but don't use http.Error as it conflicts with WebSocket upgrade
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	sub := s.bus.Subscribe()
	metrics.SetObservers(s.bus.Subscribers())

	defer func() {
		s.bus.Unsubscribe(sub)
		metrics.SetObservers(s.bus.Subscribers())

		_ = conn.Close()
	}()

	// Send initial snapshot
	_ = conn.WriteJSON(events.Event{Type: events.TypeInitialData, Data: s.snapshot()})

	// Configure connection
	conn.SetReadLimit(defaultWebSocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// Pump broadcast events to this observer
	go func(c *websocket.Conn) {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}

				if err := c.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}(conn)

	// Start ping ticker
	go func(c *websocket.Conn) {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
					return
				}
			}
		}
	}(conn)

	// Handle incoming messages until the observer goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
