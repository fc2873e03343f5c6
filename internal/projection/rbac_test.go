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
	"github.com/meridianhealth/platform/pkg/json"
)

func strPtr(s string) *string { return &s }

func TestValidateRoleScope(t *testing.T) {
	tests := []struct {
		name      string
		role      string
		orgID     *string
		scopePath *string
		valid     bool
	}{
		{"super_admin null scope", "super_admin", nil, nil, true},
		{"super_admin with org", "super_admin", strPtr("org-1"), nil, false},
		{"super_admin with scope path", "super_admin", nil, strPtr("root.acme"), false},
		{"scoped role fully qualified", "org_admin", strPtr("org-1"), strPtr("root.acme"), true},
		{"scoped role missing org", "org_admin", nil, strPtr("root.acme"), false},
		{"scoped role missing path", "org_admin", strPtr("org-1"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRoleScope(tt.role, tt.orgID, tt.scopePath)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func rbacTestTx(t *testing.T) (*sql.Tx, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx, mock
}

func roleEvent(t *testing.T, eventType string, payload interface{}) *eventstore.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &eventstore.Event{
		StreamID:   "user-1",
		StreamType: eventstore.StreamUser,
		EventType:  eventType,
		EventData:  data,
	}
}

func TestApplyUserRoleAssignedChecksRoleScope(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, mock := rbacTestTx(t)

	mock.ExpectQuery("SELECT name, organization_id, scope_path FROM roles_projection").
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "organization_id", "scope_path"}).
			AddRow("org_admin", "org-1", "root.acme"))
	mock.ExpectExec("INSERT INTO user_roles_projection").
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := roleEvent(t, "user.role.assigned", UserRoleAssigned{
		RoleID:         "role-1",
		OrganizationID: strPtr("org-1"),
		ScopePath:      strPtr("root.acme"),
	})
	require.NoError(t, engine.applyUser(context.Background(), tx, event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUserRoleAssignedRejectsScopeMismatch(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, mock := rbacTestTx(t)

	mock.ExpectQuery("SELECT name, organization_id, scope_path FROM roles_projection").
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "organization_id", "scope_path"}).
			AddRow("org_admin", "org-1", "root.acme"))

	event := roleEvent(t, "user.role.assigned", UserRoleAssigned{
		RoleID:         "role-1",
		OrganizationID: strPtr("org-2"),
		ScopePath:      strPtr("root.other"),
	})
	err := engine.applyUser(context.Background(), tx, event)
	assert.Error(t, err)
}

func TestApplyUserRoleAssignedSuperAdminCarveOut(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))
	tx, mock := rbacTestTx(t)

	mock.ExpectQuery("SELECT name, organization_id, scope_path FROM roles_projection").
		WithArgs("role-sa").
		WillReturnRows(sqlmock.NewRows([]string{"name", "organization_id", "scope_path"}).
			AddRow("super_admin", nil, nil))
	mock.ExpectExec("INSERT INTO user_roles_projection").
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := roleEvent(t, "user.role.assigned", UserRoleAssigned{RoleID: "role-sa"})
	require.NoError(t, engine.applyUser(context.Background(), tx, event))
	assert.NoError(t, mock.ExpectationsWereMet())
}
