// Package auth authenticates API callers. Keys arrive via X-API-Key or
// an Authorization header, resolve to an Identity carrying the tenant
// binding and rate-limit tier, and the identity rides the request
// context into authorization, rate limiting and the kernel's tenant
// scope.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
)

// Identity is the authenticated principal for one request.
type Identity struct {
	Subject  string                 // "apikey:name"
	KeyName  string                 // API key name
	TenantID string                 // Bound tenant scope
	Tier     string                 // Rate limit tier: "free", "pro", "enterprise"
	Claims   map[string]any         // API key metadata
	Policies []domain.PolicyBinding // Authorization policies bound to the key
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity binds an Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the request's Identity, or nil on public paths.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// Authenticator resolves a request to an Identity, or nil when the
// request carries no credential this authenticator recognizes.
type Authenticator interface {
	Authenticate(r *http.Request) *Identity
}

// pathMatcher answers whether a path skips authentication. Paths ending
// in "/*" match by prefix, everything else exactly.
type pathMatcher struct {
	exact    map[string]bool
	prefixes []string
}

func newPathMatcher(paths []string) *pathMatcher {
	m := &pathMatcher{exact: make(map[string]bool, len(paths))}
	for _, p := range paths {
		if strings.HasSuffix(p, "/*") {
			m.prefixes = append(m.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		m.exact[p] = true
	}
	return m
}

func (m *pathMatcher) public(path string) bool {
	if m.exact[path] {
		return true
	}
	for i := 0; i < len(m.prefixes); i++ {
		if strings.HasPrefix(path, m.prefixes[i]) {
			return true
		}
	}
	return false
}

// Middleware requires a valid credential on every path not listed in
// publicPaths. Authenticators are tried in order; the first Identity
// wins. Unauthenticated requests get a 401 with the error envelope.
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	matcher := newPathMatcher(publicPaths)
	logger := logging.Op().With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if matcher.public(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			logger.Debug("request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="helios"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": domain.NewError(domain.ErrTypeAuthentication, "valid authentication required"),
			})
		})
	}
}
