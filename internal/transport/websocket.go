package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fl-sean03/agentgate/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin is permissive by default: AgentGate's stream endpoint
	// is meant to sit behind the same trust boundary as the REST API
	// (no browser-facing deployment is in scope, see spec §1).
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleStream upgrades to a WebSocket and replays buffered events for
// workOrderId, then streams new ones as they're added to the buffer. A
// client may pass ?since=<unix-nano> to replay only events timestamped
// at or after that point instead of everything the buffer still holds.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	workOrderID := chi.URLParam(r, "workOrderId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.Unix(0, nanos)
		}
	}

	var lastSeq uint64
	for _, ev := range s.buffer.Events(workOrderID, since) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		lastSeq = ev.Sequence
	}
	if err := conn.WriteJSON(model.StreamEvent{
		Type:        model.StreamSubscribed,
		Timestamp:   time.Now(),
		WorkOrderID: workOrderID,
	}); err != nil {
		return
	}

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	s.writePump(conn, workOrderID, lastSeq, closed)
}

// readPump drains (and discards) client frames so control frames (ping/
// pong/close) are still processed by gorilla's internal handling, and
// signals closed when the connection goes away.
func (s *Server) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump polls the buffer for new events since the last one sent and
// pushes them to the client, pinging periodically to detect a dead
// connection.
func (s *Server) writePump(conn *websocket.Conn, workOrderID string, lastSeq uint64, closed chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-ticker.C:
			for _, ev := range s.buffer.Events(workOrderID, time.Time{}) {
				if ev.Sequence <= lastSeq {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				lastSeq = ev.Sequence
			}
		}
	}
}

// marshalForLog is a small helper used by callers that want a compact
// JSON rendering of a stream event for structured log fields.
func marshalForLog(ev model.StreamEvent) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return string(ev.Type)
	}
	return string(data)
}
