package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience pins tokens to this service so a token minted for a sibling
// service with a shared secret is not accepted here.
const Audience = "billing-reconciler"

const clockLeeway = 30 * time.Second

var jwtSigningMethod = jwt.SigningMethodHS256

var knownScopes = map[string]struct{}{
	ScopeSubscriptionsRead:  {},
	ScopeSubscriptionsWrite: {},
}

// MintServiceToken signs a service token valid for cfg.ExpirationMinutes from now.
func MintServiceToken(cfg config.ServiceAuthConfig, now time.Time, payload ServiceTokenPayload) (string, error) {
	if err := validateConfig(cfg); err != nil {
		return "", err
	}
	if cfg.ExpirationMinutes <= 0 {
		return "", errors.New("jwt expiration minutes must be positive")
	}
	service := strings.TrimSpace(payload.Service)
	if service == "" {
		return "", errors.New("service name is required")
	}
	for _, scope := range payload.Scopes {
		if _, ok := knownScopes[scope]; !ok {
			return "", fmt.Errorf("unknown scope %q", scope)
		}
	}
	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}

	claims := ServiceTokenClaims{
		Service: service,
		Scopes:  payload.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   service,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.ExpirationMinutes) * time.Minute)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseServiceToken verifies signature, issuer, audience and expiry (with a
// small leeway for clock skew between services).
func ParseServiceToken(cfg config.ServiceAuthConfig, tokenString string) (*ServiceTokenClaims, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	claims := &ServiceTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Service) == "" {
		return nil, errors.New("service claim missing")
	}
	return claims, nil
}

func validateConfig(cfg config.ServiceAuthConfig) error {
	if cfg.Secret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Issuer == "" {
		return errors.New("jwt issuer is required")
	}
	return nil
}
