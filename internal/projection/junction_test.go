package projection

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
)

func TestValidJunction(t *testing.T) {
	for prefix := range junctionSpecs {
		assert.True(t, ValidJunction(prefix), prefix)
	}
	assert.False(t, ValidJunction("organization.user"))
	assert.False(t, ValidJunction("contact"))
	assert.False(t, ValidJunction(""))
}

func TestJunctionStreamID(t *testing.T) {
	assert.Equal(t, "organization.contact:org-1:contact-2",
		JunctionStreamID("organization.contact", "org-1", "contact-2"))
}

func TestNewJunctionPayload(t *testing.T) {
	tests := []struct {
		prefix string
		want   JunctionPayload
	}{
		{"organization.contact", JunctionPayload{OrganizationID: "l", ContactID: "r"}},
		{"organization.address", JunctionPayload{OrganizationID: "l", AddressID: "r"}},
		{"organization.phone", JunctionPayload{OrganizationID: "l", PhoneID: "r"}},
		{"contact.address", JunctionPayload{ContactID: "l", AddressID: "r"}},
		{"contact.phone", JunctionPayload{ContactID: "l", PhoneID: "r"}},
		{"phone.address", JunctionPayload{PhoneID: "l", AddressID: "r"}},
		{"contact.user", JunctionPayload{ContactID: "l", UserID: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, NewJunctionPayload(tt.prefix, "l", "r"))
		})
	}
	assert.Equal(t, JunctionPayload{}, NewJunctionPayload("nope", "l", "r"))
}

func TestSplitJunctionEventType(t *testing.T) {
	prefix, action, ok := splitJunctionEventType("organization.contact.linked")
	require.True(t, ok)
	assert.Equal(t, "organization.contact", prefix)
	assert.Equal(t, "linked", action)

	_, _, ok = splitJunctionEventType("linked")
	assert.False(t, ok)
}

func junctionTestTx(t *testing.T) (*sql.Tx, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx, mock
}

func junctionEvent(t *testing.T, eventType string, payload JunctionPayload) *eventstore.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &eventstore.Event{
		StreamID:   JunctionStreamID("organization.contact", "org-1", "contact-2"),
		StreamType: eventstore.StreamJunction,
		EventType:  eventType,
		EventData:  data,
	}
}

func TestApplyJunctionLinkedUpserts(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, mock := junctionTestTx(t)

	mock.ExpectExec("INSERT INTO organization_contacts_projection").
		WithArgs("org-1", "contact-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := junctionEvent(t, "organization.contact.linked",
		NewJunctionPayload("organization.contact", "org-1", "contact-2"))
	require.NoError(t, engine.applyJunction(context.Background(), tx, event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyJunctionUnlinkedSoftDeletes(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, mock := junctionTestTx(t)

	mock.ExpectExec("UPDATE organization_contacts_projection SET deleted_at").
		WithArgs("org-1", "contact-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := junctionEvent(t, "organization.contact.unlinked",
		NewJunctionPayload("organization.contact", "org-1", "contact-2"))
	require.NoError(t, engine.applyJunction(context.Background(), tx, event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyJunctionRejectsMissingEndpoints(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, _ := junctionTestTx(t)

	event := junctionEvent(t, "organization.contact.linked", JunctionPayload{OrganizationID: "org-1"})
	err := engine.applyJunction(context.Background(), tx, event)
	assert.Error(t, err)
}

func TestApplyJunctionRejectsUnknownPrefix(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, _ := junctionTestTx(t)

	event := junctionEvent(t, "organization.widget.linked", JunctionPayload{})
	err := engine.applyJunction(context.Background(), tx, event)
	assert.ErrorIs(t, err, errors.ErrUnhandledEvent)
}
