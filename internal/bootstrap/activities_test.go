package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/platform/internal/config"
	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/provider/dns"
	"github.com/meridianhealth/platform/internal/provider/email"
)

// stubDirectory serves a fixed organization record to the idempotency check.
type stubDirectory struct {
	org    *OrganizationRecord
	orgErr error
}

func (d *stubDirectory) OrganizationBySlug(context.Context, string) (*OrganizationRecord, error) {
	return d.org, d.orgErr
}

func (d *stubDirectory) ActiveEntityIDs(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (d *stubDirectory) ActiveJunctions(context.Context, string, string) ([]JunctionLink, error) {
	return nil, nil
}

func (d *stubDirectory) PendingInvitations(context.Context, string) ([]InvitationRecord, error) {
	return nil, nil
}

func newTestActivities(t *testing.T, dir Directory) (*Activities, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zaptest.NewLogger(t)
	store := eventstore.New(db, nil, log)
	cfg := &config.Config{
		DNSRootDomain: "meridianhealth.app",
		DNSTargetHost: "edge.meridianhealth.app",
	}
	return NewActivities(store, dir, dns.NewLogProvider(log), email.NewLogProvider(log), cfg, log), mock
}

// bareRequest carries no contact-group entities, so a successful create emits
// exactly one organization.created event.
func bareRequest() Request {
	return Request{
		Name:          "Meridian Clinic",
		Slug:          "meridian-clinic",
		Type:          OrgTypeProviderPartner,
		PartnerType:   "billing",
		Billing:       Section{SharedFromGeneral: true},
		ProviderAdmin: Section{SharedFromGeneral: true},
		RequestedBy:   "user-1",
	}
}

func expectEmit(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("idempotency_key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_number", "stream_version"}))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO domain_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "created_at"}).
			AddRow(1, time.Now()))
	mock.ExpectCommit()
}

func TestCreateOrganizationFreshSlug(t *testing.T) {
	a, mock := newTestActivities(t, &stubDirectory{org: nil})
	expectEmit(mock)

	orgID, err := a.CreateOrganization(context.Background(), bareRequest(),
		Plan{OrganizationID: "planned-org"})
	require.NoError(t, err)
	assert.Equal(t, "planned-org", orgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrganizationResumesOwnRow(t *testing.T) {
	// A retried activity finds the row its own earlier attempt created; the
	// planned id matches, so it re-emits and deduplication absorbs the rest.
	a, mock := newTestActivities(t, &stubDirectory{
		org: &OrganizationRecord{ID: "planned-org", Slug: "meridian-clinic", IsActive: true},
	})
	expectEmit(mock)

	orgID, err := a.CreateOrganization(context.Background(), bareRequest(),
		Plan{OrganizationID: "planned-org"})
	require.NoError(t, err)
	assert.Equal(t, "planned-org", orgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrganizationRejectsForeignSlug(t *testing.T) {
	a, mock := newTestActivities(t, &stubDirectory{
		org: &OrganizationRecord{ID: "other-org", Slug: "meridian-clinic", IsActive: true},
	})

	_, err := a.CreateOrganization(context.Background(), bareRequest(),
		Plan{OrganizationID: "planned-org"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeDuplicateSlug, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.NoError(t, mock.ExpectationsWereMet(), "no event is written for a taken slug")
}

func TestCreateOrganizationRejectsInconsistentExisting(t *testing.T) {
	// The planned id matches but the row is inactive: a half-compensated
	// leftover. Repair is an operator decision, never an automatic retry.
	a, mock := newTestActivities(t, &stubDirectory{
		org: &OrganizationRecord{ID: "planned-org", Slug: "meridian-clinic", IsActive: false},
	})

	_, err := a.CreateOrganization(context.Background(), bareRequest(),
		Plan{OrganizationID: "planned-org"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeInconsistentState, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.NoError(t, mock.ExpectationsWereMet())
}
