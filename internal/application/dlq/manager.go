package dlq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/infrastructure/postgres"
	"eventrelay/internal/logger"
	"eventrelay/internal/metrics"
)

// Publisher republishes recovered events onto their topic streams.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) (string, error)
}

// Alert is one triggered alert condition.
type Alert struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// BatchResult reports a batch_reprocess run.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats is the management view of the queue, DLQStore.Stats plus the
// manager's own reprocess counters.
type Stats struct {
	Total             int64            `json:"total"`
	ByAggregateType   map[string]int64 `json:"by_aggregate_type"`
	ByStatus          map[string]int64 `json:"by_status"`
	OldestParkedHours float64          `json:"oldest_parked_hours"`
	FailureRate       float64          `json:"failure_rate"`
	ReprocessedCount  int64            `json:"reprocessed_count"`
	FailedReprocess   int64            `json:"failed_reprocess_count"`
	ExpiredCount      int64            `json:"expired_count"`
}

// Manager drives the DLQ lifecycle: listing and stats for operators,
// alerting, reprocessing back through the producer, and expiry.
type Manager struct {
	store *postgres.DLQStore
	pub   Publisher
	cfg   config.DLQConfig
	log   zerolog.Logger

	reprocessed     atomic.Int64
	failedReprocess atomic.Int64
	expired         atomic.Int64
}

func NewManager(store *postgres.DLQStore, pub Publisher, cfg config.DLQConfig) *Manager {
	return &Manager{
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   logger.Logger.With().Str("component", "dlq_manager").Logger(),
	}
}

func (m *Manager) List(ctx context.Context, f postgres.ListFilter) ([]postgres.DLQRecord, error) {
	return m.store.List(ctx, f)
}

// ManualIntervention returns parked rows that failed reprocessing at least
// minAttempts times; zero falls back to a threshold of 3 attempts.
func (m *Manager) ManualIntervention(ctx context.Context, minAttempts int) ([]postgres.DLQRecord, error) {
	if minAttempts <= 0 {
		minAttempts = 3
	}
	return m.store.ManualIntervention(ctx, minAttempts)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	raw, err := m.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{
		Total:             raw.Total,
		ByAggregateType:   raw.ByAggregateType,
		ByStatus:          raw.ByStatus,
		OldestParkedHours: raw.OldestParkedAge.Hours(),
		ReprocessedCount:  m.reprocessed.Load(),
		FailedReprocess:   m.failedReprocess.Load(),
		ExpiredCount:      m.expired.Load(),
	}

	attempts := out.ReprocessedCount + out.FailedReprocess
	if attempts > 0 {
		out.FailureRate = float64(out.FailedReprocess) / float64(attempts)
	}
	return out, nil
}

// Alerts evaluates the configured thresholds against current stats.
func (m *Manager) Alerts(ctx context.Context) ([]Alert, error) {
	stats, err := m.Stats(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	alerts := []Alert{}

	parked := stats.ByStatus[postgres.DLQParked]
	if parked > int64(m.cfg.AlertTotal) {
		alerts = append(alerts, Alert{
			Type:     "high_volume",
			Severity: "warning",
			Message: fmt.Sprintf("dead letter queue holds %d parked events (threshold %d)",
				parked, m.cfg.AlertTotal),
			Value:     float64(parked),
			Timestamp: now,
		})
	}

	if stats.OldestParkedHours > m.cfg.AlertOldestHours {
		alerts = append(alerts, Alert{
			Type:     "old_events",
			Severity: "error",
			Message: fmt.Sprintf("oldest parked event is %.1f hours old (threshold %.0f)",
				stats.OldestParkedHours, m.cfg.AlertOldestHours),
			Value:     stats.OldestParkedHours,
			Timestamp: now,
		})
	}

	if stats.FailureRate > m.cfg.AlertFailureRate {
		alerts = append(alerts, Alert{
			Type:     "high_failure_rate",
			Severity: "critical",
			Message: fmt.Sprintf("reprocess failure rate %.1f%% (threshold %.1f%%)",
				stats.FailureRate*100, m.cfg.AlertFailureRate*100),
			Value:     stats.FailureRate,
			Timestamp: now,
		})
	}

	return alerts, nil
}

// Reprocess takes one parked event through reprocessing and back onto its
// topic. The parked -> reprocessing CAS serializes concurrent callers; a
// failed republish returns the row to parked with the attempt counted.
func (m *Manager) Reprocess(ctx context.Context, eventID int64) error {
	rec, err := m.store.Get(ctx, eventID)
	if err != nil {
		return err
	}

	ok, err := m.store.MarkReprocessing(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %d is not parked (status %s)", eventID, rec.Status)
	}

	if err := m.republish(ctx, rec); err != nil {
		m.failedReprocess.Add(1)
		metrics.DLQReprocessTotal.WithLabelValues(rec.AggregateType, "failed").Inc()
		if _, reparkErr := m.store.Repark(ctx, eventID, "reprocess_failed: "+err.Error()); reparkErr != nil {
			return reparkErr
		}
		m.log.Warn().Int64("event_id", eventID).Err(err).Msg("reprocess failed, reparked")
		return err
	}

	if _, err := m.store.MarkResolved(ctx, eventID, "reprocessor", []string{postgres.DLQReprocessing}); err != nil {
		return err
	}
	m.reprocessed.Add(1)
	metrics.DLQReprocessTotal.WithLabelValues(rec.AggregateType, "succeeded").Inc()
	m.log.Info().Int64("event_id", eventID).Msg("event reprocessed")
	return nil
}

// BatchReprocess runs Reprocess over the oldest parked rows of one aggregate
// type. limit <= 0 uses the configured default; the configured maximum is a
// hard cap.
func (m *Manager) BatchReprocess(ctx context.Context, aggregateType string, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = m.cfg.ReprocessBatch
	}
	if limit > m.cfg.ReprocessBatchMax {
		limit = m.cfg.ReprocessBatchMax
	}

	recs, err := m.store.ParkedForReprocess(ctx, aggregateType, limit)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Attempted: len(recs)}
	for _, rec := range recs {
		if err := m.Reprocess(ctx, rec.EventID); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}

	m.log.Info().
		Str("aggregate_type", aggregateType).
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("batch reprocess finished")
	return res, nil
}

// ManualResolve transitions parked -> resolved without republishing. The
// operator takes responsibility for the business effect.
func (m *Manager) ManualResolve(ctx context.Context, eventID int64, operator string) error {
	ok, err := m.store.MarkResolved(ctx, eventID, operator, []string{postgres.DLQParked})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %d is not parked", eventID)
	}
	m.log.Info().Int64("event_id", eventID).Str("operator", operator).Msg("event manually resolved")
	return nil
}

// Expire marks parked/resolved rows older than daysToKeep as expired;
// daysToKeep <= 0 uses the configured default.
func (m *Manager) Expire(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = m.cfg.ExpireDays
	}
	n, err := m.store.Expire(ctx, time.Duration(daysToKeep)*24*time.Hour)
	if err != nil {
		return 0, err
	}
	m.expired.Add(n)
	if n > 0 {
		m.log.Info().Int64("count", n).Int("days_to_keep", daysToKeep).Msg("expired dlq events")
	}
	return n, nil
}

func (m *Manager) republish(ctx context.Context, rec postgres.DLQRecord) error {
	payload, err := rec.DecodePayload()
	if err != nil {
		return err
	}
	if err := event.ValidatePayload(rec.AggregateType, payload); err != nil {
		return fmt.Errorf("payload still invalid: %w", err)
	}

	env := event.Envelope{
		EventID:       fmt.Sprintf("%d", rec.EventID),
		EventType:     rec.EventType,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		SourceService: "dlq_reprocessor",
		Version:       "1.0",
		CreatedAt:     rec.CreatedAt,
		RetryCount:    rec.RetryCount,
		Payload:       payload,
	}
	if v, ok := payload["tenant_id"].(string); ok {
		env.TenantID = v
	}
	if v, ok := payload["user_id"].(string); ok {
		env.UserID = v
	}

	_, err = m.pub.Publish(ctx, env)
	return err
}
