package dlq

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/infrastructure/postgres"
)

type fakePublisher struct {
	published []event.Envelope
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, env event.Envelope) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, env)
	return "1-0", nil
}

func testDLQCfg() config.DLQConfig {
	return config.DLQConfig{
		AlertTotal:        100,
		AlertOldestHours:  24,
		AlertFailureRate:  0.1,
		ExpireDays:        7,
		ReprocessBatch:    10,
		ReprocessBatchMax: 50,
	}
}

func newMockManager(t *testing.T, pub Publisher) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(postgres.NewDLQStore(db), pub, testDLQCfg()), mock
}

func dlqColumns() []string {
	return []string{
		"event_id", "aggregate_id", "aggregate_type", "event_type", "payload",
		"created_at", "failed_at", "retry_count", "failure_reason",
		"reprocess_attempts", "resolved_by", "status",
	}
}

func parkedOrderRow(id int64) []driverValue {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := `{"event":"order_status","version":"1.0",` +
		`"tenant_id":"3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",` +
		`"order_id":"a2b4c6d8-1234-4cde-9f01-23456789abcd",` +
		`"status":"created","ts":"2025-06-01T12:00:00Z"}`
	return []driverValue{
		id, "a2b4c6d8-1234-4cde-9f01-23456789abcd", "order", "order_status", []byte(payload),
		created, created.Add(time.Minute), 5, "max_retries_exceeded",
		0, "", "parked",
	}
}

type driverValue = driver.Value

func TestReprocess_SuccessResolves(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE event_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).AddRow(parkedOrderRow(7)...))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'reprocessing'`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'resolved'`).
		WithArgs(int64(7), "reprocessor", "{reprocessing}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Reprocess(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.published, 1)
	env := pub.published[0]
	require.Equal(t, "7", env.EventID)
	require.Equal(t, "dlq_reprocessor", env.SourceService)
	require.Equal(t, "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00", env.TenantID)
}

func TestReprocess_PublishFailureReparks(t *testing.T) {
	pub := &fakePublisher{err: errors.New("stream down")}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE event_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).AddRow(parkedOrderRow(7)...))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'reprocessing'`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'parked'`).
		WithArgs(int64(7), "reprocess_failed: stream down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Reprocess(context.Background(), 7)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReprocess_LosesCAS(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE event_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).AddRow(parkedOrderRow(7)...))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'reprocessing'`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Reprocess(context.Background(), 7)
	require.Error(t, err)
	require.Empty(t, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchReprocess_ClampsLimit(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	// limit 500 must be clamped to the configured maximum of 50
	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE 1=1 AND aggregate_type = \$1 AND status = \$2 ORDER BY failed_at ASC LIMIT \$3`).
		WithArgs("order", "parked", 50).
		WillReturnRows(sqlmock.NewRows(dlqColumns()))

	res, err := m.BatchReprocess(context.Background(), "order", 500)
	require.NoError(t, err)
	require.Equal(t, BatchResult{}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchReprocess_CountsOutcomes(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE 1=1 AND aggregate_type = \$1 AND status = \$2 ORDER BY failed_at ASC LIMIT \$3`).
		WithArgs("order", "parked", 10).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).
			AddRow(parkedOrderRow(7)...).
			AddRow(parkedOrderRow(8)...))

	// event 7 resolves
	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE event_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).AddRow(parkedOrderRow(7)...))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'reprocessing'`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'resolved'`).
		WithArgs(int64(7), "reprocessor", "{reprocessing}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// event 8 loses the CAS to a concurrent operator
	mock.ExpectQuery(`SELECT (.+) FROM dlq_events WHERE event_id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(dlqColumns()).AddRow(parkedOrderRow(8)...))
	mock.ExpectExec(`UPDATE dlq_events SET status = 'reprocessing'`).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := m.BatchReprocess(context.Background(), "order", 0)
	require.NoError(t, err)
	require.Equal(t, BatchResult{Attempted: 2, Succeeded: 1, Failed: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManualResolve_RequiresParked(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectExec(`UPDATE dlq_events SET status = 'resolved'`).
		WithArgs(int64(7), "ops@example.com", "{parked}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, m.ManualResolve(context.Background(), 7, "ops@example.com"))

	mock.ExpectExec(`UPDATE dlq_events SET status = 'resolved'`).
		WithArgs(int64(8), "ops@example.com", "{parked}").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.Error(t, m.ManualResolve(context.Background(), 8, "ops@example.com"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlerts_Thresholds(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT aggregate_type, status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_type", "status", "count"}).
			AddRow("order", "parked", int64(150)))
	mock.ExpectQuery(`SELECT MIN\(failed_at\) FROM dlq_events`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).
			AddRow(time.Now().UTC().Add(-30 * time.Hour)))

	alerts, err := m.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, "high_volume", alerts[0].Type)
	require.Equal(t, "old_events", alerts[1].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlerts_QuietBelowThresholds(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectQuery(`SELECT aggregate_type, status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_type", "status", "count"}).
			AddRow("order", "parked", int64(5)))
	mock.ExpectQuery(`SELECT MIN\(failed_at\) FROM dlq_events`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).
			AddRow(time.Now().UTC().Add(-time.Hour)))

	alerts, err := m.Alerts(context.Background())
	require.NoError(t, err)
	require.Empty(t, alerts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpire_UsesConfiguredDefault(t *testing.T) {
	pub := &fakePublisher{}
	m, mock := newMockManager(t, pub)

	mock.ExpectExec(`UPDATE dlq_events SET status = 'expired'`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := m.Expire(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
