package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/platform/internal/eventstore"
)

func newTestSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	log := zaptest.NewLogger(t)
	store := eventstore.New(db, nil, log)
	return New(db, store, log), mock
}

func expectExpiryEmit(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("idempotency_key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_number", "stream_version"}))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectQuery("INSERT INTO domain_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "created_at"}).
			AddRow(100, time.Now()))
	mock.ExpectCommit()
}

func TestExpireInvitationsEmitsPerRow(t *testing.T) {
	sweep, mock := newTestSweeper(t)

	mock.ExpectQuery("FROM invitations_projection").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("inv-1").AddRow("inv-2"))
	expectExpiryEmit(mock)
	expectExpiryEmit(mock)

	require.NoError(t, sweep.ExpireInvitations(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireInvitationsNoRowsNoEmits(t *testing.T) {
	sweep, mock := newTestSweeper(t)

	mock.ExpectQuery("FROM invitations_projection").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	require.NoError(t, sweep.ExpireInvitations(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireAccessGrantsEmitsPerRow(t *testing.T) {
	sweep, mock := newTestSweeper(t)

	mock.ExpectQuery("FROM access_grants_projection").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("grant-1"))
	expectExpiryEmit(mock)

	require.NoError(t, sweep.ExpireAccessGrants(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
