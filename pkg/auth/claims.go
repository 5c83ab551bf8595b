package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted to internal callers.
const (
	ScopeSubscriptionsRead  = "subscriptions:read"
	ScopeSubscriptionsWrite = "subscriptions:write"
)

// ServiceTokenPayload captures the data available when minting a service JWT.
type ServiceTokenPayload struct {
	Service string
	Scopes  []string
	JTI     string
}

// ServiceTokenClaims represents the typed JWT presented by internal callers.
type ServiceTokenClaims struct {
	Service string   `json:"svc"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *ServiceTokenClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
