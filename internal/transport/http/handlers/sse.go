package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"eventrelay/internal/application/notify"
	"eventrelay/internal/config"
	"eventrelay/internal/metrics"
	"eventrelay/internal/transport/http/middleware"
	"eventrelay/internal/transport/http/response"
)

// SSEHandler streams events over text/event-stream. Auth is the bearer
// middleware; each route differs only in default subscriptions and
// heartbeat cadence.
type SSEHandler struct {
	reg  *notify.Registry
	hb   config.HeartbeatConfig
	scfg config.SessionConfig
}

func NewSSEHandler(reg *notify.Registry, hb config.HeartbeatConfig, scfg config.SessionConfig) *SSEHandler {
	return &SSEHandler{reg: reg, hb: hb, scfg: scfg}
}

func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.hb.SSEMain, nil)
}

func (h *SSEHandler) Orders(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.hb.SSEOrders, []string{"order_status"})
}

func (h *SSEHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.hb.SSENotifications, []string{"notification"})
}

// sseSession bridges the registry's sender interface onto a frame channel
// the serving goroutine drains.
type sseSession struct {
	frames chan notify.Frame
	done   <-chan struct{}
	stop   func()
}

var errSessionBusy = errors.New("session frame queue full")

func (s *sseSession) WriteFrame(f notify.Frame) error {
	select {
	case s.frames <- f:
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		return errSessionBusy
	}
}

func (s *sseSession) Close(_ string) {
	s.stop()
}

func (h *SSEHandler) serve(w http.ResponseWriter, r *http.Request, heartbeat time.Duration, subs []string) {
	userID := middleware.UserID(r)
	tenantID := middleware.TenantID(r)
	if userID == "" || tenantID == "" {
		response.Fail(w, http.StatusUnauthorized, "unauthorized", "unauthorized", nil, response.RequestIDFromRequest(r))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Fail(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", nil, response.RequestIDFromRequest(r))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &sseSession{
		frames: make(chan notify.Frame, 32),
		done:   ctx.Done(),
		stop:   cancel,
	}

	sessionID := uuid.NewString()
	if _, ok := h.reg.Add(sessionID, userID, tenantID, "sse", subs, sess); !ok {
		response.Fail(w, http.StatusTooManyRequests, "too_many_connections", "connection limit reached", nil, response.RequestIDFromRequest(r))
		return
	}
	defer h.reg.Remove(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Not every ResponseWriter supports per-write deadlines (proxies,
	// recorders); when it does, a stalled write fails instead of hanging.
	rc := http.NewResponseController(w)
	write := func(event, data string) error {
		_ = rc.SetWriteDeadline(time.Now().Add(h.scfg.WriteTimeout))
		return writeSSE(w, event, data)
	}

	_ = write(notify.FrameConnected, fmt.Sprintf(
		`{"session_id":%q,"subscriptions":%s}`, sessionID, jsonStrings(h.reg.Subscriptions(sessionID))))
	flusher.Flush()

	log := zlog.With().Str("session_id", sessionID).Str("transport", "sse").Logger()
	log.Info().Str("user_id", userID).Str("tenant_id", tenantID).Msg("sse session opened")

	// A failed write counts against the session's heartbeat budget; three
	// misses end the stream.
	miss := func(err error) bool {
		metrics.FramesFailedTotal.WithLabelValues("sse", "write").Inc()
		if h.reg.MissHeartbeat(sessionID) >= 3 {
			log.Warn().Err(err).Msg("sse writes failing, closing session")
			return true
		}
		return false
	}

	t := time.NewTicker(heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sse session closed")
			return
		case f := <-sess.frames:
			name := f.Kind
			if f.Kind == notify.FrameEvent {
				name = f.EventType
			}
			if err := write(name, string(f.Data)); err != nil {
				if miss(err) {
					return
				}
				continue
			}
			flusher.Flush()
		case <-t.C:
			hb := fmt.Sprintf(`{"ts":%q}`, time.Now().UTC().Format(time.RFC3339))
			if err := write(notify.FrameHeartbeat, hb); err != nil {
				if miss(err) {
					return
				}
				continue
			}
			flusher.Flush()
			metrics.FramesSentTotal.WithLabelValues("sse").Inc()
			h.reg.Touch(sessionID)
		}
	}
}

func writeSSE(w http.ResponseWriter, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func jsonStrings(items []string) string {
	out := "["
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]"
}
