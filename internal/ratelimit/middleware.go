package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/metrics"
)

// Middleware enforces per-tenant tier limits on the dataplane. Public
// paths bypass the limiter; backend errors fail open so a Redis outage
// cannot take down admission.
func Middleware(limiter *Limiter, publicPaths []string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			var key, tier string
			if id := auth.GetIdentity(r.Context()); id != nil {
				if id.TenantID != "" {
					key = KeyForTenant(id.TenantID)
				} else if id.KeyName != "" {
					key = KeyForAPIKey(id.KeyName)
				} else {
					key = KeyForAPIKey(id.Subject)
				}
				tier = id.Tier
			} else {
				key = KeyForIP(clientIP(r))
				tier = "default"
			}

			result, err := limiter.Allow(r.Context(), key, tier)
			if err != nil {
				logging.Op().Warn("rate limit check failed, admitting", "key", key, "error", err)
				metrics.RecordRateLimitFailOpen()
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

			if !result.Allowed {
				retryAfter := time.Until(result.ResetAt)
				if retryAfter < time.Second {
					retryAfter = time.Second
				}
				metrics.RecordRateLimited(tier)
				writeLimited(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter, retryAfter time.Duration) {
	e := domain.NewError(domain.ErrTypeRateLimited, "request rate over tier limit").
		WithRetryAfter(retryAfter)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(e)
}

// isPublicPath matches exact entries and "/prefix/*" patterns.
func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}

// clientIP extracts the caller address, honoring forwarding headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")
	return ip
}
