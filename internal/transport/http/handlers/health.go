package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"eventrelay/internal/infrastructure/redis"
	"eventrelay/internal/transport/http/response"
)

type HealthHandler struct {
	db  *sql.DB
	rds *redis.Client
}

func NewHealthHandler(db *sql.DB, rds *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rds: rds}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.Data(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness plus dependency reachability.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	healthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			deps["database"] = "down"
			healthy = false
		} else {
			deps["database"] = "ok"
		}
	}
	if h.rds != nil {
		if err := h.rds.Ping(ctx); err != nil {
			deps["stream"] = "down"
			healthy = false
		} else {
			deps["stream"] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	response.Data(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
	})
}
