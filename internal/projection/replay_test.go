package projection

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var eventBatchColumns = []string{
	"id", "sequence_number", "stream_id", "stream_type", "stream_version",
	"event_type", "event_data", "created_at",
}

func TestReplayMarksProcessedAndPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	engine := NewEngine(zaptest.NewLogger(t))

	eventID := uuid.New()
	mock.ExpectQuery("FROM domain_events").
		WithArgs(int64(0), replayBatchSize).
		WillReturnRows(sqlmock.NewRows(eventBatchColumns).
			AddRow(eventID.String(), 7, "queue-1", "workflow_queue", 1,
				"organization.bootstrap.initiated",
				[]byte(`{"organization_slug":"meridian-clinic","request":"e30="}`), time.Now()))

	// One transaction per event: apply, mark processed, commit. No pg_notify
	// fires for the historical queue row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_queue_projection").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE domain_events SET processed_at").
		WithArgs(eventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The next batch resumes after the highest applied sequence number.
	mock.ExpectQuery("FROM domain_events").
		WithArgs(int64(7), replayBatchSize).
		WillReturnRows(sqlmock.NewRows(eventBatchColumns))

	require.NoError(t, engine.Replay(context.Background(), db, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayRecordsFailureAndContinues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	engine := NewEngine(zaptest.NewLogger(t))

	eventID := uuid.New()
	mock.ExpectQuery("FROM domain_events").
		WithArgs(int64(0), replayBatchSize).
		WillReturnRows(sqlmock.NewRows(eventBatchColumns).
			AddRow(eventID.String(), 3, "junction.bogus:a:b", "junction", 1,
				"junction.bogus.linked", []byte(`{}`), time.Now()))

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE domain_events SET processing_error").
		WithArgs(eventID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("FROM domain_events").
		WithArgs(int64(3), replayBatchSize).
		WillReturnRows(sqlmock.NewRows(eventBatchColumns))

	require.NoError(t, engine.Replay(context.Background(), db, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildPreservesQueueRows(t *testing.T) {
	// Queue rows carry claim and outcome state the event log cannot rebuild;
	// they must survive a full rebuild untouched.
	assert.NotContains(t, projectionTables, "workflow_queue_projection")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	engine := NewEngine(zaptest.NewLogger(t))

	mock.ExpectBegin()
	for range projectionTables {
		mock.ExpectExec("TRUNCATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("UPDATE domain_events SET processed_at = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM domain_events").
		WithArgs(int64(0), replayBatchSize).
		WillReturnRows(sqlmock.NewRows(eventBatchColumns))

	require.NoError(t, engine.Rebuild(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
