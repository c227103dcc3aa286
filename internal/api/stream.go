package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamMessage is one frame of the session stream. Type is "turn" for
// appended turns and "event" for progress events.
type StreamMessage struct {
	Type  string             `json:"type"`
	Turn  *conversation.Turn `json:"turn,omitempty"`
	Event *events.Event      `json:"event,omitempty"`
}

// handleStream upgrades to a WebSocket that replays the session's turns
// after ?since=N and then follows new turns and events live. Turns are
// delivered in sequence order without duplicates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log, err := s.sessions.Log(id)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	// Subscribe before the backlog is read so nothing appended in
	// between is missed.
	ch := s.bus.SubscribeSession(id, streamBuffer)
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("session", id, "remote", r.RemoteAddr)
	logger.Debug("stream opened")

	// The reader only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("stream read ended", "error", err)
				}
				return
			}
		}
	}()

	send := func(msg StreamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("stream write failed", "error", err)
			return false
		}
		return true
	}

	last := parseIntParam(r, "since", 0)
	for _, t := range log.Since(last) {
		if !send(StreamMessage{Type: "turn", Turn: &t}) {
			return
		}
		last = t.Seq
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-gone:
			logger.Debug("stream closed by client")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg := StreamMessage{Type: "event", Event: &e}
			if e.Kind == events.KindTurnAppended {
				t, ok := e.Data["turn"].(conversation.Turn)
				if !ok || t.Seq <= last {
					continue
				}
				// A full subscriber buffer drops events; fill the gap
				// from the log so the client never skips a turn.
				for _, missed := range log.Since(last) {
					if missed.Seq >= t.Seq {
						break
					}
					if !send(StreamMessage{Type: "turn", Turn: &missed}) {
						return
					}
				}
				last = t.Seq
				msg = StreamMessage{Type: "turn", Turn: &t}
			}
			if !send(msg) {
				return
			}
			if e.Kind == events.KindSessionClosed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(streamWriteWait))
				return
			}
		}
	}
}
