package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/logfields"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsBuffer       = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The GUI is served from arbitrary origins on the local network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wireFrame is the message shape WebSocket clients receive.
type wireFrame struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// wireType maps engine broadcast types to the dotted names on the wire. The
// four terminal and processing transitions collapse into one status_changed
// type; the payload's status field carries the distinction.
func wireType(t string) string {
	switch t {
	case events.TypeEntryAdded:
		return "queue.entry.added"
	case events.TypeEntryRemoved:
		return "queue.entry.removed"
	case events.TypeEntryProcessing,
		events.TypeEntryCompleted,
		events.TypeEntryFailed,
		events.TypeEntryCancelled:
		return "queue.entry.status_changed"
	case events.TypeQueueReordered:
		return "queue.reordered"
	case events.TypeConfigUpdated:
		return "config.updated"
	default:
		return t
	}
}

// handleWebSocket upgrades the connection and streams hub broadcasts until
// the client disconnects. A lossy subscription sends a resync advisory so the
// client knows to reload queue state over REST.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.Error(w, http.StatusServiceUnavailable, "event hub unavailable")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logfields.Error(err))
		return
	}
	defer conn.Close()

	sub, cancel := s.deps.Hub.Subscribe(r.RemoteAddr, wsBuffer, nil)
	defer cancel()

	s.logger.Debug("websocket client connected",
		logfields.Subscriber(r.RemoteAddr))
	defer s.logger.Debug("websocket client disconnected",
		logfields.Subscriber(r.RemoteAddr))

	// Reader goroutine: discard inbound frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if sub.Lossy() {
				sub.ResetLossy()
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(wireFrame{Type: "resync", Timestamp: time.Now().UTC()}); err != nil {
					return
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			frame := wireFrame{Type: wireType(msg.Type), Payload: msg.Payload, Timestamp: msg.Timestamp}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
