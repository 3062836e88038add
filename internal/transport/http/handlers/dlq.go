package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"eventrelay/internal/application/dlq"
	"eventrelay/internal/application/notify"
	"eventrelay/internal/domain"
	"eventrelay/internal/infrastructure/postgres"
	"eventrelay/internal/transport/http/dto"
	"eventrelay/internal/transport/http/middleware"
	"eventrelay/internal/transport/http/response"
	"eventrelay/internal/transport/http/validate"
)

// StreamStatser reports per-topic stream lengths for the dashboard.
type StreamStatser interface {
	StreamStats(ctx context.Context) map[string]int64
}

// DLQHandler is the management surface over the dead letter queue.
type DLQHandler struct {
	mgr     *dlq.Manager
	reg     *notify.Registry
	streams StreamStatser
}

func NewDLQHandler(mgr *dlq.Manager, reg *notify.Registry, streams StreamStatser) *DLQHandler {
	return &DLQHandler{mgr: mgr, reg: reg, streams: streams}
}

func (h *DLQHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.Stats(r.Context())
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, stats)
}

func (h *DLQHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.mgr.Alerts(r.Context())
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Events lists parked and in-flight DLQ records with optional filters.
func (h *DLQHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := postgres.ListFilter{
		AggregateType: q.Get("aggregate_type"),
		Status:        q.Get("status"),
	}

	if raw := q.Get("older_than_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			response.Err(w, r, domain.ErrValidation("older_than_hours must be a non-negative number"))
			return
		}
		f.OlderThan = time.Duration(hours * float64(time.Hour))
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Err(w, r, domain.ErrValidation("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Err(w, r, domain.ErrValidation("offset must be a non-negative integer"))
			return
		}
		f.Offset = n
	}

	recs, err := h.mgr.List(r.Context(), f)
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"events": toDLQResps(recs),
		"count":  len(recs),
	})
}

func (h *DLQHandler) ManualIntervention(w http.ResponseWriter, r *http.Request) {
	minAttempts := 0
	if raw := r.URL.Query().Get("min_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.Err(w, r, domain.ErrValidation("min_attempts must be an integer"))
			return
		}
		minAttempts = n
	}

	recs, err := h.mgr.ManualIntervention(r.Context(), minAttempts)
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"events": toDLQResps(recs),
		"count":  len(recs),
	})
}

func (h *DLQHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aggregateType := q.Get("aggregate_type")
	if aggregateType == "" {
		response.Err(w, r, domain.ErrValidation("aggregate_type is required"))
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Err(w, r, domain.ErrValidation("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	res, err := h.mgr.BatchReprocess(r.Context(), aggregateType, limit)
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, dto.BatchReprocessResp{
		AggregateType: aggregateType,
		Attempted:     res.Attempted,
		Succeeded:     res.Succeeded,
		Failed:        res.Failed,
	})
}

func (h *DLQHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req dto.ResolveEventReq
	if err := validate.DecodeJSON(r, &req); err != nil {
		response.Err(w, r, domain.ErrValidationMeta("invalid request body", map[string]string{"reason": err.Error()}))
		return
	}

	operator := middleware.UserID(r)
	if err := h.mgr.ManualResolve(r.Context(), req.EventID, operator); err != nil {
		response.Err(w, r, domain.ErrInvalidState(err.Error()))
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"event_id": req.EventID,
		"status":   postgres.DLQResolved,
	})
}

func (h *DLQHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days_to_keep"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Err(w, r, domain.ErrValidation("days_to_keep must be a non-negative integer"))
			return
		}
		days = n
	}

	expired, err := h.mgr.Expire(r.Context(), days)
	if err != nil {
		response.Err(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, dto.CleanupResp{Expired: expired, DaysToKeep: days})
}

// Dashboard aggregates stats, alerts and connection counts for monitoring.
func (h *DLQHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.Stats(r.Context())
	if err != nil {
		response.Err(w, r, err)
		return
	}
	alerts, err := h.mgr.Alerts(r.Context())
	if err != nil {
		response.Err(w, r, err)
		return
	}

	body := map[string]any{
		"dlq":          stats,
		"alerts":       alerts,
		"connections":  h.reg.Stats(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if h.streams != nil {
		body["streams"] = h.streams.StreamStats(r.Context())
	}
	response.Data(w, http.StatusOK, body)
}

func toDLQResps(recs []postgres.DLQRecord) []dto.DLQEventResp {
	out := make([]dto.DLQEventResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dto.DLQEventResp{
			EventID:           rec.EventID,
			AggregateID:       rec.AggregateID,
			AggregateType:     rec.AggregateType,
			EventType:         rec.EventType,
			FailedAt:          rec.FailedAt.UTC().Format(time.RFC3339),
			RetryCount:        rec.RetryCount,
			FailureReason:     rec.FailureReason,
			ReprocessAttempts: rec.ReprocessAttempts,
			Status:            rec.Status,
		})
	}
	return out
}
