package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DLQ statuses. parked -> reprocessing -> {resolved | parked};
// resolved and expired are terminal.
const (
	DLQParked       = "parked"
	DLQReprocessing = "reprocessing"
	DLQResolved     = "resolved"
	DLQExpired      = "expired"
)

// Park reasons written by the outbox worker.
const (
	ReasonSchemaViolation    = "schema_violation"
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
)

type DLQRecord struct {
	EventID           int64
	AggregateID       string
	AggregateType     string
	EventType         string
	Payload           json.RawMessage
	CreatedAt         time.Time
	FailedAt          time.Time
	RetryCount        int
	FailureReason     string
	ReprocessAttempts int
	ResolvedBy        string
	Status            string
}

// DecodePayload returns the preserved original payload as a map.
func (r DLQRecord) DecodePayload() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode dlq payload %d: %w", r.EventID, err)
	}
	return m, nil
}

// DLQStore persists parked events. All status transitions are compare-and-set
// on the status column so concurrent operators serialize.
type DLQStore struct {
	db *sql.DB
}

func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db}
}

const parkSQL = `
INSERT INTO dlq_events (
  event_id, aggregate_id, aggregate_type, event_type, payload,
  created_at, failed_at, retry_count, failure_reason, status
) VALUES ($1, $2, $3, $4, $5::jsonb, $6, NOW(), $7, $8, 'parked')
ON CONFLICT (event_id) DO NOTHING
`

// parkTx inserts a parked record inside the outbox worker's transaction so
// the park and the processed mark commit together.
func parkTx(ctx context.Context, tx *sql.Tx, row OutboxRow, reason string, retryCount int) error {
	body, err := json.Marshal(row.Payload)
	if err != nil {
		body = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, parkSQL,
		row.ID, row.AggregateID, row.AggregateType, row.EventType,
		string(body), row.CreatedAt.UTC(), retryCount, reason,
	)
	if err != nil {
		return fmt.Errorf("park event %d: %w", row.ID, err)
	}
	return nil
}

// Park inserts a parked record outside any transaction.
func (s *DLQStore) Park(ctx context.Context, row OutboxRow, reason string, retryCount int) error {
	body, err := json.Marshal(row.Payload)
	if err != nil {
		body = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, parkSQL,
		row.ID, row.AggregateID, row.AggregateType, row.EventType,
		string(body), row.CreatedAt.UTC(), retryCount, reason,
	)
	if err != nil {
		return fmt.Errorf("park event %d: %w", row.ID, err)
	}
	return nil
}

const selectDLQColumns = `
event_id, aggregate_id, aggregate_type, event_type, payload,
created_at, failed_at, retry_count, failure_reason,
reprocess_attempts, COALESCE(resolved_by, ''), status
`

func scanDLQ(rows *sql.Rows) ([]DLQRecord, error) {
	var out []DLQRecord
	for rows.Next() {
		var r DLQRecord
		if err := rows.Scan(
			&r.EventID, &r.AggregateID, &r.AggregateType, &r.EventType, &r.Payload,
			&r.CreatedAt, &r.FailedAt, &r.RetryCount, &r.FailureReason,
			&r.ReprocessAttempts, &r.ResolvedBy, &r.Status,
		); err != nil {
			return nil, fmt.Errorf("scan dlq row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	AggregateType string
	Status        string
	OlderThan     time.Duration
	Limit         int
	Offset        int
}

func (s *DLQStore) List(ctx context.Context, f ListFilter) ([]DLQRecord, error) {
	q := "SELECT " + selectDLQColumns + " FROM dlq_events WHERE 1=1"
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if f.AggregateType != "" {
		add("aggregate_type =", f.AggregateType)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.OlderThan > 0 {
		add("failed_at <=", time.Now().UTC().Add(-f.OlderThan))
	}

	q += " ORDER BY failed_at ASC"
	if f.Limit <= 0 {
		f.Limit = 50
	}
	n++
	q += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, f.Limit)
	if f.Offset > 0 {
		n++
		q += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()
	return scanDLQ(rows)
}

// ParkedForReprocess fetches parked rows for one aggregate type, oldest first.
func (s *DLQStore) ParkedForReprocess(ctx context.Context, aggregateType string, limit int) ([]DLQRecord, error) {
	return s.List(ctx, ListFilter{
		AggregateType: aggregateType,
		Status:        DLQParked,
		Limit:         limit,
	})
}

// ManualIntervention returns parked rows whose reprocess attempts exceed the
// threshold; these need an operator.
func (s *DLQStore) ManualIntervention(ctx context.Context, minAttempts int) ([]DLQRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectDLQColumns+` FROM dlq_events
		 WHERE status = 'parked' AND reprocess_attempts >= $1
		 ORDER BY failed_at ASC`,
		minAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("list manual intervention: %w", err)
	}
	defer rows.Close()
	return scanDLQ(rows)
}

// Get fetches one record by event id.
func (s *DLQStore) Get(ctx context.Context, eventID int64) (DLQRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectDLQColumns+" FROM dlq_events WHERE event_id = $1", eventID)
	if err != nil {
		return DLQRecord{}, fmt.Errorf("get dlq %d: %w", eventID, err)
	}
	defer rows.Close()
	recs, err := scanDLQ(rows)
	if err != nil {
		return DLQRecord{}, err
	}
	if len(recs) == 0 {
		return DLQRecord{}, sql.ErrNoRows
	}
	return recs[0], nil
}

const markReprocessingSQL = `
UPDATE dlq_events
SET status = 'reprocessing'
WHERE event_id = $1
  AND status = 'parked'
`

// MarkReprocessing transitions parked -> reprocessing. Returns false when the
// row was not parked (missing, terminal, or another operator won the CAS).
func (s *DLQStore) MarkReprocessing(ctx context.Context, eventID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, markReprocessingSQL, eventID)
	if err != nil {
		return false, fmt.Errorf("mark reprocessing %d: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const markResolvedSQL = `
UPDATE dlq_events
SET status = 'resolved',
    resolved_by = $2
WHERE event_id = $1
  AND status = ANY($3::text[])
`

// MarkResolved transitions reprocessing -> resolved (after a successful
// republish) or parked -> resolved (manual operator resolution).
func (s *DLQStore) MarkResolved(ctx context.Context, eventID int64, resolvedBy string, fromStatuses []string) (bool, error) {
	res, err := s.db.ExecContext(ctx, markResolvedSQL, eventID, resolvedBy, statusArray(fromStatuses))
	if err != nil {
		return false, fmt.Errorf("mark resolved %d: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const reparkSQL = `
UPDATE dlq_events
SET status = 'parked',
    failure_reason = $2,
    reprocess_attempts = reprocess_attempts + 1
WHERE event_id = $1
  AND status = 'reprocessing'
`

// Repark transitions reprocessing -> parked after a failed republish,
// recording the new reason and counting the attempt.
func (s *DLQStore) Repark(ctx context.Context, eventID int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, reparkSQL, eventID, reason)
	if err != nil {
		return false, fmt.Errorf("repark %d: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const expireSQL = `
UPDATE dlq_events
SET status = 'expired'
WHERE status IN ('parked', 'resolved')
  AND failed_at < $1
`

// Expire marks parked/resolved rows older than the cutoff as expired.
func (s *DLQStore) Expire(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, expireSQL, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("expire dlq: %w", err)
	}
	return res.RowsAffected()
}

// DLQStats is the aggregate view of the queue.
type DLQStats struct {
	Total           int64            `json:"total"`
	ByAggregateType map[string]int64 `json:"by_aggregate_type"`
	ByStatus        map[string]int64 `json:"by_status"`
	OldestParkedAge time.Duration    `json:"-"`
}

func (s *DLQStore) Stats(ctx context.Context) (DLQStats, error) {
	stats := DLQStats{
		ByAggregateType: map[string]int64{},
		ByStatus:        map[string]int64{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_type, status, COUNT(*) FROM dlq_events GROUP BY aggregate_type, status`)
	if err != nil {
		return stats, fmt.Errorf("dlq stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var aggType, status string
		var count int64
		if err := rows.Scan(&aggType, &status, &count); err != nil {
			return stats, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats.Total += count
		stats.ByAggregateType[aggType] += count
		stats.ByStatus[status] += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(failed_at) FROM dlq_events WHERE status = 'parked'`).Scan(&oldest)
	if err != nil {
		return stats, fmt.Errorf("dlq oldest: %w", err)
	}
	if oldest.Valid {
		stats.OldestParkedAge = time.Since(oldest.Time)
	}

	return stats, nil
}

// statusArray renders a pq-compatible text array literal.
func statusArray(statuses []string) string {
	out := "{"
	for i, s := range statuses {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out + "}"
}
