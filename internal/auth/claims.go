package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// Tenant invariant: TenantID must be present for every tenant-scoped route. Only super_admin
// tokens may omit it, and those reach the administration routes only.
type Claims struct {
	jwt.RegisteredClaims

	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
}
