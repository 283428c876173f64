// Package auth implements TokenService (§4.1): authentication, bearer token
// issue/validate/refresh/revoke, and RBAC authorization. Grounded on
// infrastructure/serviceauth/serviceauth.go for RS256/PEM handling and
// original_source/auth-service/src/{auth_service.py,rbac_service.py} for
// the exact operation semantics and role seed data.
package auth

import "time"

// Tier mirrors spec.md §3's closed enumeration and drives rate-limit
// defaults; the model catalog is the same for every tier. It is
// independent of a principal's role set, which drives permissions.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierResearch   Tier = "research"
	TierAdmin      Tier = "admin"
)

// Status is a principal's account lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Principal is an authenticated identity. ID is immutable; Tier, Status,
// and PasswordHash are mutated by administrative operations outside the
// core per spec.md §3.
type Principal struct {
	ID           string
	Email        string
	Tier         Tier
	Status       Status
	PasswordHash string
	Roles        []string
}

// TokenType distinguishes access tokens from refresh tokens in the claims
// and in which Validate call site accepts them.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the decoded, verified payload of a token.
type Claims struct {
	Subject   string
	Tier      Tier
	Type      TokenType
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// DefaultAccessTTL and DefaultRefreshTTL are spec.md §3's defaults.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)
