package postgres

import (
	"context"
	"database/sql"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/logger"
	"eventrelay/internal/metrics"
)

// Publisher appends an envelope to its topic stream and returns the stream
// message id.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) (string, error)
}

// OutboxWorker drains the outbox table. Each tick runs one transaction:
// claim a batch with SKIP LOCKED, publish each row, and record every
// outcome (processed, retry schedule, or DLQ park) before commit. A crash
// mid-tick rolls the whole batch back and a later tick redelivers it, so
// consumers see at-least-once delivery.
type OutboxWorker struct {
	db     *sql.DB
	pub    Publisher
	cfg    config.OutboxConfig
	source string
	log    zerolog.Logger
}

func NewOutboxWorker(db *sql.DB, pub Publisher, cfg config.OutboxConfig, sourceService string) *OutboxWorker {
	return &OutboxWorker{
		db:     db,
		pub:    pub,
		cfg:    cfg,
		source: sourceService,
		log:    logger.Logger.With().Str("component", "outbox_worker").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()

	w.log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("max_retries", w.cfg.MaxRetries).
		Msg("outbox worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("outbox worker stopped")
			return
		case <-t.C:
			if n, err := w.ProcessBatch(ctx); err != nil {
				w.log.Error().Err(err).Msg("outbox tick failed")
			} else if n > 0 {
				w.log.Debug().Int("count", n).Msg("outbox batch processed")
			}
		}
	}
}

// ProcessBatch runs one claim-publish-mark cycle and reports how many rows
// reached a terminal or retry outcome.
func (w *OutboxWorker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := claimOutbox(ctx, tx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, tx.Commit()
	}

	for _, row := range batch {
		if err := w.processRow(ctx, tx, row); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (w *OutboxWorker) processRow(ctx context.Context, tx *sql.Tx, row OutboxRow) error {
	if err := event.ValidatePayload(row.AggregateType, row.Payload); err != nil {
		w.log.Warn().
			Int64("event_id", row.ID).
			Str("aggregate_type", row.AggregateType).
			Err(err).
			Msg("payload failed validation, parking")
		return w.park(ctx, tx, row, ReasonSchemaViolation, row.RetryCount)
	}

	env := event.Envelope{
		EventID:       strconv.FormatInt(row.ID, 10),
		EventType:     row.EventType,
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		SourceService: w.source,
		Version:       "1.0",
		CreatedAt:     row.CreatedAt,
		RetryCount:    row.RetryCount,
		Payload:       row.Payload,
	}
	if v, ok := row.Payload["tenant_id"].(string); ok {
		env.TenantID = v
	}
	if v, ok := row.Payload["user_id"].(string); ok {
		env.UserID = v
	}
	if v, ok := row.Payload["correlation_id"].(string); ok {
		env.CorrelationID = v
	}
	if v, ok := row.Payload["causation_id"].(string); ok {
		env.CausationID = v
	}

	if _, err := w.pub.Publish(ctx, env); err != nil {
		retry := row.RetryCount + 1
		if retry >= w.cfg.MaxRetries {
			w.log.Error().
				Int64("event_id", row.ID).
				Int("retry_count", retry).
				Err(err).
				Msg("retries exhausted, parking")
			return w.park(ctx, tx, row, ReasonMaxRetriesExceeded, retry)
		}

		next := time.Now().UTC().Add(w.backoff(retry))
		w.log.Warn().
			Int64("event_id", row.ID).
			Int("retry_count", retry).
			Time("next_attempt_at", next).
			Err(err).
			Msg("publish failed, retry scheduled")
		metrics.OutboxRetriesTotal.Inc()
		return scheduleRetry(ctx, tx, row.ID, retry, next)
	}

	metrics.OutboxProcessedTotal.Inc()
	return markProcessed(ctx, tx, row.ID)
}

// park records the row in the DLQ and marks it processed in the same
// transaction, so the outbox never redelivers a parked event.
func (w *OutboxWorker) park(ctx context.Context, tx *sql.Tx, row OutboxRow, reason string, retryCount int) error {
	if err := parkTx(ctx, tx, row, reason, retryCount); err != nil {
		return err
	}
	metrics.DLQParkedTotal.WithLabelValues(row.AggregateType, reason).Inc()
	return markProcessed(ctx, tx, row.ID)
}

// backoff computes the delay after the nth failed attempt:
// min(cap, base * multiplier^n) scaled by a uniform jitter of
// +/- JitterFrac.
func (w *OutboxWorker) backoff(n int) time.Duration {
	b := w.cfg.Backoff
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	jitter := 1 + (rand.Float64()*2-1)*b.JitterFrac
	d *= jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
