package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxRow mirrors one row of the outbox table. A row is visible to the
// worker iff processed = FALSE and next_attempt_at <= now.
type OutboxRow struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       map[string]any
	CreatedAt     time.Time
	RetryCount    int
}

const insertOutboxSQL = `
INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, created_at, next_attempt_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $5)
RETURNING id
`

// InsertOutbox appends an event to the outbox. Production writers call this
// inside the same transaction as their business write; this helper exists
// for tooling and tests.
func InsertOutbox(ctx context.Context, db *sql.DB, aggregateID, aggregateType, eventType string, payload map[string]any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	var id int64
	err = db.QueryRowContext(ctx, insertOutboxSQL,
		aggregateID, aggregateType, eventType, string(body), time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	return id, nil
}

// Claim locks up to limit visible rows in id order, skipping rows already
// locked by a peer worker. Must run inside the worker's tick transaction.
const claimOutboxSQL = `
SELECT id, aggregate_id, aggregate_type, event_type, payload, created_at, retry_count
FROM outbox
WHERE processed = FALSE
  AND next_attempt_at <= NOW()
ORDER BY id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`

func claimOutbox(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxRow, error) {
	rows, err := tx.QueryContext(ctx, claimOutboxSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var batch []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload []byte
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.AggregateType, &r.EventType, &payload, &r.CreatedAt, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			// Keep the row in the batch; the worker parks undecodable
			// payloads as schema violations.
			r.Payload = nil
		}
		batch = append(batch, r)
	}
	return batch, rows.Err()
}

const markProcessedSQL = `
UPDATE outbox
SET processed = TRUE,
    processed_at = NOW()
WHERE id = $1
  AND processed = FALSE
`

// markProcessed is the one false->true transition a row ever makes.
func markProcessed(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, markProcessedSQL, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox row %d already processed", id)
	}
	return nil
}

const scheduleRetrySQL = `
UPDATE outbox
SET retry_count = $2,
    next_attempt_at = $3
WHERE id = $1
  AND processed = FALSE
`

func scheduleRetry(ctx context.Context, tx *sql.Tx, id int64, retryCount int, nextAttempt time.Time) error {
	if _, err := tx.ExecContext(ctx, scheduleRetrySQL, id, retryCount, nextAttempt.UTC()); err != nil {
		return fmt.Errorf("schedule retry %d: %w", id, err)
	}
	return nil
}
