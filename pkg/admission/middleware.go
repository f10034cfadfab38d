package admission

import (
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/hangar/pkg/observability"
)

// IdentityFunc resolves the identity half of the (route, identity) bucket
// key. Authenticated routes return the author id; anonymous routes fall
// back to the client IP.
type IdentityFunc func(r *http.Request) string

// IPIdentity keys buckets by client IP, honoring proxy headers.
func IPIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return "ip:" + realIP
	}
	return "ip:" + r.RemoteAddr
}

// Guard applies a Limiter to HTTP routes. Each wrapped route contributes
// the route half of the bucket key so a noisy uploader cannot starve the
// same author's catalog reads.
type Guard struct {
	limiter Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGuard wraps limiter for HTTP use. Metrics may be nil.
func NewGuard(limiter Limiter, logger *observability.Logger, metrics *observability.Metrics) *Guard {
	return &Guard{limiter: limiter, logger: logger, metrics: metrics}
}

// Middleware rate-limits a single route. identity defaults to IPIdentity.
func (g *Guard) Middleware(route string, identity IdentityFunc) func(http.Handler) http.Handler {
	if identity == nil {
		identity = IPIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + identity(r)

			allowed, err := g.limiter.Allow(r.Context(), key)
			if err != nil {
				// Fail open: a rate-limiting outage must not take
				// down the registry.
				g.logger.WithError(err).WithField("route", route).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if g.metrics != nil {
					g.metrics.RateLimitRejectionsTotal.WithLabelValues(route).Inc()
				}
				g.rejected(w)
				return
			}

			if remaining, err := g.limiter.Remaining(r.Context(), key); err == nil {
				cfg := g.limiter.Config()
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(cfg.WindowDuration).Unix()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) rejected(w http.ResponseWriter) {
	retryAfter := g.limiter.Config().WindowDuration.Seconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", g.limiter.Config().RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}
