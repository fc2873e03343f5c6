package rpc

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/internal/queue"
	"github.com/meridianhealth/platform/pkg/json"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zaptest.NewLogger(t)
	store := eventstore.New(db, nil, log)
	server := NewServer(store, NewReadRepo(db, nil, log), queue.NewRepo(db, log), projection.NewEngine(log), testSecret, log)
	return server.Router(), mock
}

func signToken(t *testing.T, role, orgID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "user-1",
		"org_id":    orgID,
		"user_role": role,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doOp(t *testing.T, handler http.Handler, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterRejectsNonPost(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/organization_ops", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouterRequiresBearerToken(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doOp(t, handler, "/api/organization_ops", "", `{"action":"list_organizations"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterRejectsForgedToken(t *testing.T) {
	handler, _ := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	forged, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	rec := doOp(t, handler, "/api/organization_ops", forged, `{"action":"list_organizations"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownActionIsBadRequest(t *testing.T) {
	handler, _ := newTestServer(t)
	token := signToken(t, "super_admin", "")
	rec := doOp(t, handler, "/api/organization_ops", token, `{"action":"frobnicate"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiateBootstrapRequiresPlatformPrivilege(t *testing.T) {
	handler, _ := newTestServer(t)
	token := signToken(t, "org_admin", "org-1")
	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"initiate_bootstrap","request":{"name":"Meridian","slug":"meridian","type":"provider","subdomain":"meridian"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInitiateBootstrapRejectsTakenSlug(t *testing.T) {
	handler, mock := newTestServer(t)
	token := signToken(t, "super_admin", "")

	mock.ExpectQuery("FROM organizations_projection").
		WithArgs("meridian").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "slug", "type", "partner_type", "path", "subdomain",
			"dns_status", "is_active", "created_at", "deleted_at",
		}).AddRow("org-1", "Meridian", "meridian", "provider", nil, "root.meridian",
			"meridian", "verified", true, time.Now(), nil))

	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"initiate_bootstrap","request":{"name":"Meridian","slug":"meridian","type":"provider","subdomain":"meridian"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateBootstrapSeedsQueue(t *testing.T) {
	handler, mock := newTestServer(t)
	token := signToken(t, "super_admin", "")

	mock.ExpectQuery("FROM organizations_projection").
		WithArgs("meridian").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO domain_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "created_at"}).
			AddRow(1, time.Now()))
	mock.ExpectCommit()

	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"initiate_bootstrap","request":{"name":"Meridian","slug":"meridian","type":"provider","subdomain":"meridian"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res OpResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.EntityID)
	assert.NotEmpty(t, res.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateBootstrapValidatesRequest(t *testing.T) {
	handler, _ := newTestServer(t)
	token := signToken(t, "super_admin", "")
	// platform_owner orgs never carry a subdomain
	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"initiate_bootstrap","request":{"name":"HQ","slug":"hq","type":"platform_owner","subdomain":"hq"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivateOrganizationDemandsReason(t *testing.T) {
	handler, _ := newTestServer(t)
	token := signToken(t, "super_admin", "")
	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"deactivate_organization","organization_id":"org-1","reason":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrganizationScopedToTenant(t *testing.T) {
	handler, _ := newTestServer(t)
	token := signToken(t, "member", "org-1")
	rec := doOp(t, handler, "/api/organization_ops", token,
		`{"action":"get_organization","organization_id":"org-2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetFailedEventsFiltersSince(t *testing.T) {
	handler, mock := newTestServer(t)
	token := signToken(t, "super_admin", "")

	mock.ExpectQuery("created_at >= ").
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sequence_number", "stream_id", "stream_type", "stream_version",
			"event_type", "event_data", "event_metadata", "created_at",
			"processed_at", "processing_error", "retry_count",
		}))

	rec := doOp(t, handler, "/api/admin_ops", token,
		`{"action":"get_failed_events","since":"2026-08-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}
