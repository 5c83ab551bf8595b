package middleware

import (
	"net/http"
	"strings"

	"github.com/agencyworks/billing-reconciler/api/responses"
	pkgauth "github.com/agencyworks/billing-reconciler/pkg/auth"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

// ServiceAuth admits requests carrying a service token with scope. The
// webhook route is not behind it; webhooks authenticate by signature.
func ServiceAuth(cfg config.ServiceAuthConfig, scope string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			claims, err := pkgauth.ParseServiceToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			if scope != "" && !claims.HasScope(scope) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "token lacks required scope").
					WithDetails(map[string]any{"scope": scope}))
				return
			}

			ctx := WithCaller(r.Context(), Caller{Service: claims.Service, TokenID: claims.ID, Scopes: claims.Scopes})
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{"caller_service": claims.Service, "token_id": claims.ID})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken accepts "Bearer <token>" in any case, or a bare token.
func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, rest, found := strings.Cut(raw, " "); found && strings.EqualFold(scheme, "bearer") {
		raw = strings.TrimSpace(rest)
	}
	return raw, raw != ""
}
