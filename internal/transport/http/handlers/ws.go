package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"eventrelay/internal/application/notify"
	"eventrelay/internal/config"
	"eventrelay/internal/security"
)

const (
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades authenticated clients and runs the frame protocol:
// server frames are one JSON object keyed by "type"
// (connected|event|heartbeat|pong|stats|error), clients send
// subscribe|ping|get_stats.
type WSHandler struct {
	verifier security.AccessTokenVerifier
	reg      *notify.Registry
	hb       config.HeartbeatConfig
	scfg     config.SessionConfig
}

func NewWSHandler(verifier security.AccessTokenVerifier, reg *notify.Registry, hb config.HeartbeatConfig, scfg config.SessionConfig) *WSHandler {
	return &WSHandler{verifier: verifier, reg: reg, hb: hb, scfg: scfg}
}

func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil)
}

func (h *WSHandler) Orders(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, []string{"order_status"})
}

// serve verifies the token from the query string, then upgrades. Auth
// failures still upgrade so the client receives a proper 1008 close frame.
func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, subs []string) {
	token := r.URL.Query().Get("token")

	var claims security.TokenClaims
	var authErr string
	if token == "" {
		authErr = "Authentication required"
	} else {
		var err error
		claims, err = h.verifier.VerifyAccessToken(token)
		if err != nil {
			authErr = "Invalid token"
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if authErr != "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authErr)
		_ = conn.SetWriteDeadline(time.Now().Add(h.scfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	sess := newWSSession(conn, h.scfg.WriteTimeout)
	sessionID := uuid.NewString()

	if _, ok := h.reg.Add(sessionID, claims.UserID, claims.TenantID, "websocket", subs, sess); !ok {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
		_ = conn.SetWriteDeadline(time.Now().Add(h.scfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	log := zlog.With().Str("session_id", sessionID).Str("transport", "websocket").Logger()
	log.Info().Str("user_id", claims.UserID).Str("tenant_id", claims.TenantID).Msg("ws session opened")

	go sess.writePump(h.hb.WS)
	go h.readPump(sess, sessionID, log)

	_ = sess.WriteFrame(notify.NamedFrame(notify.FrameConnected, map[string]any{
		"session_id":    sessionID,
		"subscriptions": h.reg.Subscriptions(sessionID),
	}))
}

// clientMessage is anything a client sends.
type clientMessage struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

func (h *WSHandler) readPump(sess *wsSession, sessionID string, log zerolog.Logger) {
	defer func() {
		h.reg.Remove(sessionID)
		sess.Close("read loop ended")
	}()

	sess.conn.SetReadLimit(wsMaxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		h.reg.Touch(sessionID)
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		h.reg.Touch(sessionID)
		_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = sess.WriteFrame(notify.NamedFrame(notify.FrameError, map[string]any{
				"message": "Invalid JSON message",
			}))
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.reg.SetSubscriptions(sessionID, msg.Subscriptions)
		case "ping":
			_ = sess.WriteFrame(notify.NamedFrame(notify.FramePong, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
		case "get_stats":
			_ = sess.WriteFrame(notify.NamedFrame(notify.FrameStats, map[string]any{
				"data": h.reg.Stats(),
			}))
		default:
			_ = sess.WriteFrame(notify.NamedFrame(notify.FrameError, map[string]any{
				"message": "Unknown message type: " + msg.Type,
			}))
		}
	}
}

// wsSession owns the connection's write side. All writes go through the
// send channel so the write pump is the only goroutine touching the socket.
// A write that misses writeWait is a permanent failure for the connection.
type wsSession struct {
	conn      *websocket.Conn
	send      chan []byte
	writeWait time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newWSSession(conn *websocket.Conn, writeWait time.Duration) *wsSession {
	return &wsSession{
		conn:      conn,
		send:      make(chan []byte, 64),
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

var errWSSessionBusy = errors.New("session send queue full")

// WriteFrame serializes the frame as one JSON object keyed by type.
func (s *wsSession) WriteFrame(f notify.Frame) error {
	body := map[string]any{"type": f.Kind}
	if len(f.Data) > 0 {
		var data any
		if err := json.Unmarshal(f.Data, &data); err == nil {
			if m, ok := data.(map[string]any); ok && f.Kind != notify.FrameEvent {
				for k, v := range m {
					body[k] = v
				}
			} else {
				body["data"] = data
			}
		}
	}
	if f.Kind == notify.FrameEvent {
		body["event_type"] = f.EventType
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	select {
	case s.send <- raw:
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		return errWSSessionBusy
	}
}

func (s *wsSession) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = s.conn.Close()
	})
}

// writePump drains the send channel and emits protocol pings.
func (s *wsSession) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		s.Close("write pump ended")
	}()

	for {
		select {
		case <-s.done:
			return
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
