package auth

import (
	"regexp"
	"strings"
)

const (
	PermRBACRead      = "rbac.read"
	PermRBACManage    = "rbac.manage"
	PermFinanceRead   = "finance.read"
	PermFinanceManage = "finance.manage"
	PermFinanceRefund = "finance.refund"
	PermStudentRead   = "student.read"
	PermStudentManage = "student.manage"
	PermTenantManage  = "tenant.manage"
	PermAuditRead     = "audit.read"
)

var BuiltinPermissions = []Permission{
	{Key: PermRBACRead, Description: "View roles and permission assignments"},
	{Key: PermRBACManage, Description: "Manage roles and permission assignments"},
	{Key: PermFinanceRead, Description: "View fee structures, obligations and payments"},
	{Key: PermFinanceManage, Description: "Manage fee structures and record payments"},
	{Key: PermFinanceRefund, Description: "Refund recorded payments"},
	{Key: PermStudentRead, Description: "View student records"},
	{Key: PermStudentManage, Description: "Manage student records"},
	{Key: PermTenantManage, Description: "Administer tenants on the platform"},
	{Key: PermAuditRead, Description: "Read the audit trail"},
}

// Permission keys are dot-separated lowercase identifiers:
// resource.action or resource.action.scope.
var permKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)?$`)

// ValidPermissionKey reports whether key is well formed.
func ValidPermissionKey(key string) bool {
	return permKeyPattern.MatchString(key)
}

// resourceOf returns the text before the first dot.
func resourceOf(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}

// platformScoped keys administer the platform itself. Tenant-level RBAC can
// never grant them; platform operators are provisioned through deploy-time
// seeds, not the tenant API.
var platformScoped = map[string]struct{}{
	PermTenantManage: {},
}

// PlatformScoped reports whether key is reserved for platform operators.
func PlatformScoped(key string) bool {
	_, ok := platformScoped[key]
	return ok
}

// Allows reports whether the granted set satisfies the required key.
// A direct grant always passes. Holding <resource>.manage passes any check
// on the same resource; the rule is derived from the first segment only and
// never applies recursively to nested scopes.
func Allows(granted map[string]struct{}, required string) bool {
	if _, ok := granted[required]; ok {
		return true
	}
	manage := resourceOf(required) + ".manage"
	if manage == required {
		return false
	}
	_, ok := granted[manage]
	return ok
}
