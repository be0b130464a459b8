package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"example.com/fittrack/internal/auth"
)

const (
	keepAliveInterval = 15 * time.Second
	socketWriteWait   = 10 * time.Second
	socketPongWait    = 60 * time.Second

	// TypeTrackingSnapshot is the first message of every stream: the open session at subscribe time, or null.
	TypeTrackingSnapshot = "tracking.snapshot"
)

// SnapshotMessage carries the open session at subscribe time.
type SnapshotMessage struct {
	Type            string        `json:"type"`
	Activity        *ActivityView `json:"activity"`
	CurrentDuration int64         `json:"current_duration"`
}

// trackingStream serves committed tracking updates as Server-Sent Events.
func (h *Handler) trackingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "live stream is not enabled")
		return
	}

	client := h.hub.Register(claims.Subject)
	defer h.hub.Unregister(client)

	snapshot, guard, err := h.snapshot(r, claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, snapshot); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			if guard.stale(msg) {
				continue
			}
			if err := writeEvent(w, rc, msg); err != nil {
				h.logger.Printf("stream write error (user=%s): %v", claims.Subject, err)
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return rc.Flush()
}

// trackingSocket serves the same updates over a WebSocket.
func (h *Handler) trackingSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "live stream is not enabled")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer conn.Close()

	client := h.hub.Register(claims.Subject)
	defer h.hub.Unregister(client)

	snapshot, guard, err := h.snapshot(r, claims.Subject)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"), time.Now().Add(socketWriteWait))
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(socketPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(messageType int, payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteMessage(messageType, payload)
	}
	if err := write(websocket.TextMessage, snapshot); err != nil {
		return
	}

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			if guard.stale(msg) {
				continue
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				h.logger.Printf("socket write error (user=%s): %v", claims.Subject, err)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.origins, origin)
}

// snapshot renders the open session. The client is registered before the
// snapshot is read so no commit is missed; the returned guard drops queued
// updates the snapshot already supersedes.
func (h *Handler) snapshot(r *http.Request, userID string) ([]byte, *replayGuard, error) {
	session, err := h.tracking.Peek(r.Context(), userID)
	if err != nil {
		return nil, nil, err
	}
	msg := SnapshotMessage{Type: TypeTrackingSnapshot}
	guard := &replayGuard{}
	if session != nil {
		view := toActiveView(*session)
		msg.Activity = &view
		msg.CurrentDuration = session.CurrentDurationSec
		guard.since = session.Activity.UpdatedAt
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return payload, guard, nil
}

// replayGuard skips updates older than the snapshot until the first newer one.
// A user's updates are committed in order, so everything after it is fresh.
type replayGuard struct {
	since  time.Time
	caught bool
}

func (g *replayGuard) stale(msg []byte) bool {
	if g.caught || g.since.IsZero() {
		return false
	}
	var head struct {
		Activity struct {
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(msg, &head); err != nil || !head.Activity.UpdatedAt.Before(g.since) {
		g.caught = true
		return false
	}
	return true
}
