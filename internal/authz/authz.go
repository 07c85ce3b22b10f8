package authz

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/tenant"
)

// Authorizer checks whether an identity has the required permission
type Authorizer struct {
	defaultRole domain.AccessRole
}

// New creates an Authorizer with the given default role
func New(defaultRole domain.AccessRole) *Authorizer {
	if !domain.ValidAccessRole(defaultRole) {
		defaultRole = domain.AccessViewer
	}
	return &Authorizer{defaultRole: defaultRole}
}

// Check verifies that identity holds perm, optionally scoped to a model.
// DENY policies are evaluated first. Returns nil if allowed, non-nil error otherwise.
func (a *Authorizer) Check(identity *auth.Identity, perm domain.Permission, model string) error {
	if identity == nil {
		return errForbidden
	}

	policies := identity.Policies
	if len(policies) == 0 {
		// Apply default role
		policies = []domain.PolicyBinding{{Role: a.defaultRole}}
	}

	// Phase 1: Check DENY policies first
	for _, pb := range policies {
		if pb.Effect != domain.EffectDeny {
			continue
		}
		perms, ok := domain.AccessRolePermissions[pb.Role]
		if !ok {
			continue
		}
		for _, p := range perms {
			if p != perm {
				continue
			}
			if matchScope(pb.Models, model) {
				return errForbidden
			}
		}
	}

	// Phase 2: Check ALLOW policies
	for _, pb := range policies {
		if pb.Effect == domain.EffectDeny {
			continue // already processed
		}
		if pb.Role == domain.AccessAdmin {
			return nil // admin bypasses all checks
		}
		perms, ok := domain.AccessRolePermissions[pb.Role]
		if !ok {
			continue
		}
		for _, p := range perms {
			if p != perm {
				continue
			}
			if matchScope(pb.Models, model) {
				return nil
			}
		}
	}
	return errForbidden
}

// matchScope checks whether the model matches a set of model scope patterns.
// Supports glob patterns (e.g. "llama3:*", "gpt-?") via path.Match.
func matchScope(models []string, model string) bool {
	if len(models) == 0 {
		return true // no scope restriction
	}
	if model == "" {
		return true // non-model-scoped permission
	}
	for _, pattern := range models {
		if pattern == model {
			return true
		}
		if matched, _ := path.Match(pattern, model); matched {
			return true
		}
	}
	return false
}

var errForbidden = &forbiddenError{}

type forbiddenError struct{}

func (e *forbiddenError) Error() string { return "forbidden: insufficient permissions" }

// IsForbidden reports whether err is an authorization denial.
func IsForbidden(err error) bool {
	_, ok := err.(*forbiddenError)
	return ok
}

// routePermission maps an HTTP method + path pattern to a required permission.
type routePermission struct {
	method     string
	prefix     string
	permission domain.Permission
}

var routeTable = []routePermission{
	// Inference
	{"POST", "/v1/infer", domain.PermInfer},

	// Models
	{"GET", "/v1/models", domain.PermModelRead},
	{"POST", "/v1/models", domain.PermModelManage},
	{"PUT", "/v1/models/", domain.PermModelManage},
	{"DELETE", "/v1/models/", domain.PermModelManage},

	// Providers
	{"GET", "/v1/providers", domain.PermProviderRead},
	{"POST", "/v1/providers/", domain.PermProviderManage},

	// Circuit breakers
	{"GET", "/v1/breakers", domain.PermProviderRead},
	{"POST", "/v1/breakers/", domain.PermBreakerManage},

	// Session and warm pools
	{"GET", "/v1/sessions", domain.PermSessionRead},
	{"GET", "/v1/pools", domain.PermSessionRead},

	// API Keys
	{"POST", "/v1/apikeys", domain.PermAPIKeyManage},
	{"GET", "/v1/apikeys", domain.PermAPIKeyManage},
	{"DELETE", "/v1/apikeys/", domain.PermAPIKeyManage},
	{"PATCH", "/v1/apikeys/", domain.PermAPIKeyManage},

	// Tenants
	{"GET", "/v1/tenants", domain.PermTenantManage},
	{"POST", "/v1/tenants", domain.PermTenantManage},
	{"PATCH", "/v1/tenants/", domain.PermTenantManage},
	{"PUT", "/v1/tenants/", domain.PermTenantManage},
	{"DELETE", "/v1/tenants/", domain.PermTenantManage},

	// Secrets
	{"POST", "/v1/secrets", domain.PermSecretManage},
	{"GET", "/v1/secrets", domain.PermSecretManage},
	{"DELETE", "/v1/secrets/", domain.PermSecretManage},

	// Stats & audit
	{"GET", "/v1/stats", domain.PermStatsRead},
	{"GET", "/v1/audit/", domain.PermAuditRead},
}

// resolvePermission determines the required permission for a request.
func resolvePermission(method, path string) domain.Permission {
	// Special case: streaming inference endpoints
	if strings.HasPrefix(path, "/v1/infer") {
		return domain.PermInfer
	}
	// Special case: selection explain is a read
	if strings.Contains(path, "/explain") {
		return domain.PermModelRead
	}

	for _, rp := range routeTable {
		if rp.method != method {
			continue
		}
		if strings.HasSuffix(rp.prefix, "/") {
			if strings.HasPrefix(path, rp.prefix) {
				return rp.permission
			}
		} else {
			if path == rp.prefix || strings.HasPrefix(path, rp.prefix+"?") {
				return rp.permission
			}
		}
	}

	// Default: read for GET, manage for everything else
	if method == "GET" || method == "HEAD" {
		return domain.PermModelRead
	}
	return domain.PermModelManage
}

// extractModelRef extracts the model name from URL path if applicable.
func extractModelRef(path string) string {
	// /v1/models/{name}... -> name
	const prefix = "/v1/models/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// Middleware returns an HTTP middleware that enforces authorization.
func Middleware(authorizer *Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				// No identity means auth middleware already passed (public path)
				next.ServeHTTP(w, r)
				return
			}

			perm := resolvePermission(r.Method, r.URL.Path)
			model := extractModelRef(r.URL.Path)

			if err := authorizer.Check(identity, perm, model); err != nil {
				scope := tenant.FromContext(r.Context())
				logging.Op().Warn("authorization denied",
					"subject", identity.Subject,
					"permission", perm,
					"model", model,
					"path", r.URL.Path,
					"method", r.Method,
					"tenant_id", scope.TenantID,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{
					"error": domain.NewError(domain.ErrTypeAuthorization, "insufficient permissions for this operation"),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
