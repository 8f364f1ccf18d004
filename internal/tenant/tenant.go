package tenant

import "time"

// Tenant lifecycle states. Deleted tenants keep their rows for the audit
// trail but resolve as if they never existed.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Tenant represents a single school or organization hosted on the platform.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	Status    string    `json:"status"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the tenant may serve requests.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == StatusActive
}

// Plan-gated features.
const (
	FeatureFees        = "fees_management"
	FeatureLiveEvents  = "live_events"
	FeatureAuditExport = "audit_export"
)

// planFeatures lists per-plan feature overrides. A feature absent from the
// plan's map is enabled; unknown plans get every feature.
var planFeatures = map[string]map[string]bool{
	"free": {
		FeatureFees:        false,
		FeatureLiveEvents:  false,
		FeatureAuditExport: false,
	},
	"standard": {
		FeatureAuditExport: false,
	},
	"premium": {},
}

// FeatureEnabled reports whether the named feature is available on the plan.
func FeatureEnabled(plan, feature string) bool {
	overrides, ok := planFeatures[plan]
	if !ok {
		return true
	}
	enabled, ok := overrides[feature]
	if !ok {
		return true
	}
	return enabled
}
