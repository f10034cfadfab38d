package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/httputil"
	"github.com/platinummonkey/hangar/pkg/observability"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the verified token claims, or nil on
// unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

const (
	// tokenCacheSize bounds the verified-token cache.
	tokenCacheSize = 4096
	// tokenCacheTTL bounds how stale a cached verification may be. A
	// revoked token keeps working for at most this long.
	tokenCacheTTL = 30 * time.Second
)

// AuthMiddleware verifies bearer tokens. Successful verifications are
// cached briefly so hot clients do not hit the session store on every
// request.
type AuthMiddleware struct {
	signer *auth.Signer
	cache  *expirable.LRU[string, *auth.Claims]
	logger *observability.Logger
}

// NewAuthMiddleware builds the middleware around the process signer.
func NewAuthMiddleware(signer *auth.Signer, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		signer: signer,
		cache:  expirable.NewLRU[string, *auth.Claims](tokenCacheSize, nil, tokenCacheTTL),
		logger: logger,
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httputil.WriteUnauthorized(w, "missing bearer token")
			return
		}

		claims, ok := m.cache.Get(token)
		if !ok {
			var err error
			claims, err = m.signer.Verify(r.Context(), token)
			if err != nil {
				m.logger.WithError(err).Debug("token rejected")
				httputil.WriteUnauthorized(w, "invalid token")
				return
			}
			m.cache.Add(token, claims)
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = observability.WithAuthorID(ctx, claims.AuthorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission writes a 401 and returns nil unless the request's
// token carries the capability bit.
func requirePermission(w http.ResponseWriter, r *http.Request, bit auth.Permission) *auth.Claims {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || !claims.HasPermission(bit) {
		httputil.WriteUnauthorized(w, "token lacks required permission")
		return nil
	}
	return claims
}

// requirePackagePermission is requirePermission for package-scoped bits.
func requirePackagePermission(w http.ResponseWriter, r *http.Request, bit auth.Permission, packageID string) *auth.Claims {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || !claims.PermitsPackage(bit, packageID) {
		httputil.WriteUnauthorized(w, "token lacks required permission for this package")
		return nil
	}
	return claims
}
