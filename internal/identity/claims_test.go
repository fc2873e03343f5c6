package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPlatformPrivilege(t *testing.T) {
	assert.True(t, (&Claims{UserRole: PlatformRole}).HasPlatformPrivilege())
	assert.False(t, (&Claims{UserRole: "org_admin"}).HasPlatformPrivilege())
	var nilClaims *Claims
	assert.False(t, nilClaims.HasPlatformPrivilege())
}

func TestHasOrgAdminPermission(t *testing.T) {
	admin := &Claims{
		OrgID:       "org-1",
		UserRole:    "org_admin",
		Permissions: []Permission{{Name: "organizations.manage", Scope: "root.acme"}},
	}
	assert.True(t, admin.HasOrgAdminPermission("org-1"))
	assert.False(t, admin.HasOrgAdminPermission("org-2"), "admin permission never crosses org boundary")

	member := &Claims{OrgID: "org-1", UserRole: "member"}
	assert.False(t, member.HasOrgAdminPermission("org-1"))

	platform := &Claims{UserRole: PlatformRole}
	assert.True(t, platform.HasOrgAdminPermission("org-1"))
	assert.True(t, platform.HasOrgAdminPermission("org-2"))
}

func TestHasPermissionAtScope(t *testing.T) {
	c := &Claims{
		Permissions: []Permission{{Name: "schedules.manage", Scope: "root.acme"}},
	}
	assert.True(t, c.HasPermissionAtScope("schedules.manage", "root.acme"))
	assert.True(t, c.HasPermissionAtScope("schedules.manage", "root.acme.clinic_west"),
		"scope grants cover descendants")
	assert.False(t, c.HasPermissionAtScope("schedules.manage", "root.acmeco"),
		"prefix match is label-wise, not string-wise")
	assert.False(t, c.HasPermissionAtScope("schedules.manage", "root.other"))
	assert.False(t, c.HasPermissionAtScope("users.manage", "root.acme"))
}

func TestCanAccessOrg(t *testing.T) {
	assert.True(t, (&Claims{OrgID: "org-1"}).CanAccessOrg("org-1"))
	assert.False(t, (&Claims{OrgID: "org-1"}).CanAccessOrg("org-2"))
	assert.True(t, (&Claims{UserRole: PlatformRole}).CanAccessOrg("org-2"))
}

func TestParseTokenRoundTrip(t *testing.T) {
	const secret = "test-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "user-1",
		"org_id":    "org-1",
		"user_role": "org_admin",
		"version":   float64(2),
		"permissions": []map[string]interface{}{
			{"name": "organizations.manage", "scope": "root.acme"},
		},
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	claims, err := ParseToken(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "org_admin", claims.UserRole)
	assert.Equal(t, 2, claims.Version)
	require.Len(t, claims.Permissions, 1)
	assert.Equal(t, "organizations.manage", claims.Permissions[0].Name)
	assert.Equal(t, "root.acme", claims.Permissions[0].Scope)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := token.SignedString([]byte("right-secret"))
	require.NoError(t, err)

	_, err = ParseToken(signed, "wrong-secret")
	assert.Error(t, err)
}
