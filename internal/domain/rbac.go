package domain

// AccessRole is a named bundle of permissions grantable to an identity.
type AccessRole string

const (
	AccessAdmin    AccessRole = "admin"
	AccessOperator AccessRole = "operator"
	AccessUser     AccessRole = "user"
	AccessViewer   AccessRole = "viewer"
)

// ValidAccessRole returns true if the role is recognized.
func ValidAccessRole(r AccessRole) bool {
	switch r {
	case AccessAdmin, AccessOperator, AccessUser, AccessViewer:
		return true
	}
	return false
}

// Permission identifies a single guarded operation.
type Permission string

const (
	PermInfer          Permission = "infer"
	PermModelRead      Permission = "model:read"
	PermModelManage    Permission = "model:manage"
	PermProviderRead   Permission = "provider:read"
	PermProviderManage Permission = "provider:manage"
	PermBreakerManage  Permission = "breaker:manage"
	PermSessionRead    Permission = "session:read"
	PermAPIKeyManage   Permission = "apikey:manage"
	PermTenantManage   Permission = "tenant:manage"
	PermSecretManage   Permission = "secret:manage"
	PermStatsRead      Permission = "stats:read"
	PermAuditRead      Permission = "audit:read"
)

// AccessRolePermissions maps each role to the permissions it grants.
var AccessRolePermissions = map[AccessRole][]Permission{
	AccessAdmin: {
		PermInfer, PermModelRead, PermModelManage,
		PermProviderRead, PermProviderManage, PermBreakerManage,
		PermSessionRead, PermAPIKeyManage, PermTenantManage,
		PermSecretManage, PermStatsRead, PermAuditRead,
	},
	AccessOperator: {
		PermInfer, PermModelRead, PermModelManage,
		PermProviderRead, PermProviderManage, PermBreakerManage,
		PermSessionRead, PermStatsRead, PermAuditRead,
	},
	AccessUser: {
		PermInfer, PermModelRead, PermProviderRead, PermStatsRead,
	},
	AccessViewer: {
		PermModelRead, PermProviderRead, PermStatsRead,
	},
}

// PolicyEffect says whether a binding grants or denies its role.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyBinding attaches a role to an identity, optionally scoped to a set
// of model glob patterns. An empty Models list means all models.
type PolicyBinding struct {
	Role   AccessRole   `json:"role"`
	Effect PolicyEffect `json:"effect,omitempty"`
	Models []string     `json:"models,omitempty"`
}
