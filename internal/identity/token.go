package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseToken parses a signed identity token and extracts Claims.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, mapClaims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims := &Claims{
		UserID:   toString(mapClaims["sub"]),
		OrgID:    toString(mapClaims["org_id"]),
		UserRole: toString(mapClaims["user_role"]),
	}
	if v, ok := mapClaims["org_unit_id"]; ok {
		claims.OrgUnitID = toString(v)
	}
	if v, ok := mapClaims["version"].(float64); ok {
		claims.Version = int(v)
	}
	if perms, ok := mapClaims["permissions"].([]interface{}); ok {
		for _, item := range perms {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			claims.Permissions = append(claims.Permissions, Permission{
				Name:  toString(m["name"]),
				Scope: toString(m["scope"]),
			})
		}
	}
	return claims, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
