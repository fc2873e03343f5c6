package eventstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/platform/pkg/errors"
)

type stubProjector struct {
	err     error
	applied []string
}

func (p *stubProjector) Apply(_ context.Context, _ *sql.Tx, event *Event) error {
	p.applied = append(p.applied, event.EventType)
	return p.err
}

func newTestStore(t *testing.T, projector Projector) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, projector, zaptest.NewLogger(t)), mock
}

func expectInsert(mock sqlmock.Sqlmock, version, sequence int64) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(version))
	mock.ExpectQuery("INSERT INTO domain_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "created_at"}).
			AddRow(sequence, time.Now()))
	mock.ExpectCommit()
}

func expectInsertConflict(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO domain_events").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
}

func expectProjectionSuccess(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE domain_events SET processed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func expectProjectionFailure(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE domain_events SET processing_error").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestEmitAssignsVersionAndProjects(t *testing.T) {
	projector := &stubProjector{}
	store, mock := newTestStore(t, projector)

	expectInsert(mock, 1, 42)
	expectProjectionSuccess(mock)

	res, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.updated",
		EventData:  map[string]string{"name": "Meridian Clinic"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StreamVersion)
	assert.Equal(t, int64(42), res.SequenceNumber)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, []string{"organization.updated"}, projector.applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitRetriesOnVersionConflict(t *testing.T) {
	store, mock := newTestStore(t, nil)

	expectInsertConflict(mock)
	expectInsert(mock, 2, 43)

	res, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.updated",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.StreamVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitSurfacesExhaustedConflict(t *testing.T) {
	store, mock := newTestStore(t, nil)

	for i := 0; i <= versionConflictRetries; i++ {
		expectInsertConflict(mock)
	}

	_, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.updated",
	})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitDeduplicatesByIdempotencyKey(t *testing.T) {
	projector := &stubProjector{}
	store, mock := newTestStore(t, projector)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("idempotency_key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_number", "stream_version"}).
			AddRow("7a9fdc1e-64f6-4e5f-9d3b-0a4aafce9f40", 17, 3))
	mock.ExpectRollback()

	res, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.created",
		Metadata:   Metadata{IdempotencyKey: "org-bootstrap-meridian"},
	})
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, int64(3), res.StreamVersion)
	assert.Empty(t, projector.applied, "deduplicated emit must not reproject")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitPropagatesCriticalProjectionFailure(t *testing.T) {
	projector := &stubProjector{err: errors.New("handler failed")}
	store, mock := newTestStore(t, projector)

	expectInsert(mock, 1, 10)
	expectProjectionFailure(mock)

	res, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.created",
	})
	assert.ErrorIs(t, err, errors.ErrProjection)
	// The event itself is durable even when the projection fails.
	assert.Equal(t, int64(1), res.StreamVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitToleratesNonCriticalProjectionFailure(t *testing.T) {
	projector := &stubProjector{err: errors.New("handler failed")}
	store, mock := newTestStore(t, projector)

	expectInsert(mock, 1, 11)
	expectProjectionFailure(mock)

	res, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "org-1",
		StreamType: StreamOrganization,
		EventType:  "organization.updated",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StreamVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitRunsPostProjectionHooks(t *testing.T) {
	store, mock := newTestStore(t, &stubProjector{})

	var hooked []string
	store.AddPostProjectionHook(func(_ context.Context, event *Event) {
		hooked = append(hooked, event.EventType)
	})

	expectInsert(mock, 1, 12)
	expectProjectionSuccess(mock)

	_, err := store.Emit(context.Background(), EmitInput{
		StreamID:   "contact-1",
		StreamType: StreamContact,
		EventType:  "contact.updated",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"contact.updated"}, hooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
