package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/protocol"
	"github.com/ent0n29/splatforge/internal/session"
)

// hub fans session-scoped messages out to the websockets of that session.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan any]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan any]struct{})}
}

func (h *hub) subscribe(sessionID string) (chan any, func()) {
	ch := make(chan any, 64)
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan any]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// publish never blocks; a subscriber with a full queue misses the message.
// It returns how many subscribers missed it.
func (h *hub) publish(sessionID string, msg any) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

func (s *Server) broadcast(sessionID string, msg any) {
	if n := s.events.publish(sessionID, msg); n > 0 {
		s.metrics.WSMessages.WithLabelValues("outbound_dropped", string(messageTypeOf(msg))).Add(float64(n))
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	var (
		sess *session.Session
		err  error
	)
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		sess, err = s.sessions.Start(id)
	} else {
		sess, err = s.sessions.Create()
	}
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	sessionID := sess.ID
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The session exists only for this connection.
		_, _ = s.endSession(r.Context(), sessionID, "upgrade_failed")
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	logger := log.Ctx(r.Context()).With().Str("session_id", sessionID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound, unsubscribe := s.events.subscribe(sessionID)
	defer unsubscribe()
	outbound <- protocol.SessionStarted{
		Type:            protocol.TypeSessionStarted,
		SessionID:       sessionID,
		StartedAtMs:     sess.StartedAt.UnixMilli(),
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		_ = s.sessions.Touch(sessionID)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		control := parsed.(protocol.ClientControl)
		s.metrics.WSMessages.WithLabelValues("inbound", string(control.Type)).Inc()
		if control.SessionID != sessionID {
			s.enqueue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "session_mismatch",
				Source:    "gateway",
				Detail:    "control message addressed to another session",
			})
			continue
		}
		switch control.Action {
		case protocol.ActionPing:
			_ = s.sessions.Touch(sessionID)
			s.enqueue(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: sessionID,
				Code:      "pong",
			})
		case protocol.ActionEnd:
			// The writer closes the socket once session_ended is out.
			if _, err := s.endSession(ctx, sessionID, "client_end"); err != nil && !errors.Is(err, session.ErrNotFound) {
				logger.Error().Err(err).Msg("end session failed")
			}
		}
	}

	cancel()
	<-writerDone
	if _, err := s.endSession(context.WithoutCancel(r.Context()), sessionID, "disconnect"); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Error().Err(err).Msg("end session on disconnect failed")
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// writeLoop is the only goroutine writing to conn. It pings the client so
// a quiet but live socket keeps its read deadline moving, and closes the
// socket after delivering session_ended.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	ping := time.NewTicker(s.wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.metrics.WSMessages.WithLabelValues("outbound_error", "ping").Inc()
				cancel()
				_ = conn.SetReadDeadline(time.Now())
				return
			}
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSMessages.WithLabelValues("outbound_error", string(messageTypeOf(msg))).Inc()
				cancel()
				_ = conn.SetReadDeadline(time.Now())
				return
			}
			s.metrics.WSMessages.WithLabelValues("outbound", string(messageTypeOf(msg))).Inc()

			if ended, ok := msg.(protocol.SessionEnded); ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ended.Reason), deadline)
				_ = conn.SetReadDeadline(deadline)
				return
			}
		}
	}
}

func (s *Server) enqueue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.metrics.WSMessages.WithLabelValues("outbound_dropped", string(messageTypeOf(msg))).Inc()
	}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type
	case protocol.SessionStarted:
		return m.Type
	case protocol.SessionEnded:
		return m.Type
	case protocol.JobEvent:
		return m.Type
	case protocol.SystemEvent:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
