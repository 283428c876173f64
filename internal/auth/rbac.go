package auth

import (
	"fmt"
	"sync"
)

// Permission is one atom of the closed enumeration in spec.md §3.
type Permission string

const (
	PermAPIAccess           Permission = "api.access"
	PermAPIRateLimitBypass  Permission = "api.rate_limit_bypass"
	PermModelList           Permission = "model.list"
	PermModelInference      Permission = "model.inference"
	PermModelAdmin          Permission = "model.admin"
	PermUserRead            Permission = "user.read"
	PermUserUpdate          Permission = "user.update"
	PermUserAdmin           Permission = "user.admin"
	PermBillingRead         Permission = "billing.read"
	PermBillingUpdate       Permission = "billing.update"
	PermBillingAdmin        Permission = "billing.admin"
	PermSystemAdmin         Permission = "system.admin"
	PermMonitoringRead      Permission = "monitoring.read"
	PermMonitoringAdmin     Permission = "monitoring.admin"
)

// allPermissions backs the "research"/"admin" roles, which hold every
// permission atom (original_source's RBACService seeds them with
// set(Permission)).
var allPermissions = []Permission{
	PermAPIAccess, PermAPIRateLimitBypass, PermModelList, PermModelInference,
	PermModelAdmin, PermUserRead, PermUserUpdate, PermUserAdmin, PermBillingRead,
	PermBillingUpdate, PermBillingAdmin, PermSystemAdmin, PermMonitoringRead,
	PermMonitoringAdmin,
}

// Role is a named bundle of permissions, optionally inheriting from other
// roles. Inheritance is a DAG; a cycle is a configuration error surfaced at
// RBAC construction time rather than at Authorize time.
type Role struct {
	Name          string
	Description   string
	Permissions   map[Permission]struct{}
	InheritsFrom  []string
}

// defaultRoles is the five-role seed set from
// original_source/auth-service/src/rbac_service.py, carried over verbatim
// in shape (permission atoms renamed from "api:access" to "api.access" to
// match spec.md §3's dotted form).
func defaultRoles() map[string]*Role {
	return map[string]*Role{
		"free": {
			Name:        "free",
			Description: "Basic user with limited access",
			Permissions: permSet(PermAPIAccess, PermModelList, PermModelInference, PermUserRead, PermBillingRead),
		},
		"pro": {
			Name:        "pro",
			Description: "Professional user with enhanced access",
			Permissions: permSet(PermAPIAccess, PermAPIRateLimitBypass, PermModelList, PermModelInference,
				PermUserRead, PermUserUpdate, PermBillingRead, PermBillingUpdate),
		},
		"enterprise": {
			Name:        "enterprise",
			Description: "Enterprise user with advanced features",
			Permissions: permSet(PermAPIAccess, PermAPIRateLimitBypass, PermModelList, PermModelInference,
				PermModelAdmin, PermUserRead, PermUserUpdate, PermUserAdmin, PermBillingRead,
				PermBillingUpdate, PermBillingAdmin, PermMonitoringRead),
		},
		"research": {
			Name:         "research",
			Description:  "Research user with full access",
			Permissions:  permSet(allPermissions...),
			InheritsFrom: []string{"enterprise"},
		},
		"admin": {
			Name:        "admin",
			Description: "System administrator with full access",
			Permissions: permSet(allPermissions...),
		},
	}
}

func permSet(perms ...Permission) map[Permission]struct{} {
	s := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// RBAC resolves a principal's role set into an effective permission set,
// memoized per principal and invalidated on role assignment changes.
type RBAC struct {
	mu    sync.RWMutex
	roles map[string]*Role
	cache map[string]map[Permission]struct{}
}

// NewRBAC seeds the five built-in roles. Custom roles may be added with
// AddRole.
func NewRBAC() (*RBAC, error) {
	r := &RBAC{
		roles: defaultRoles(),
		cache: make(map[string]map[Permission]struct{}),
	}
	for name := range r.roles {
		if err := r.detectCycle(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRole registers a custom role (enterprise-customer extension point per
// original_source's create_custom_role). Returns an error if the name
// already exists or the inheritance graph would contain a cycle.
func (r *RBAC) AddRole(role *Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[role.Name]; exists {
		return fmt.Errorf("auth: role %q already exists", role.Name)
	}
	r.roles[role.Name] = role
	if err := r.detectCycle(role.Name, map[string]bool{}); err != nil {
		delete(r.roles, role.Name)
		return err
	}
	r.cache = make(map[string]map[Permission]struct{})
	return nil
}

func (r *RBAC) detectCycle(name string, visiting map[string]bool) error {
	if visiting[name] {
		return fmt.Errorf("auth: role inheritance cycle detected at %q", name)
	}
	role, ok := r.roles[name]
	if !ok {
		// A parent that is not registered yet cannot close a cycle; it is
		// reported by EffectivePermissions if still missing at resolve time.
		return nil
	}
	visiting[name] = true
	for _, parent := range role.InheritsFrom {
		if err := r.detectCycle(parent, visiting); err != nil {
			return err
		}
	}
	delete(visiting, name)
	return nil
}

// EffectivePermissions computes the fixpoint union of direct and inherited
// role permissions for the given role names, memoized by cacheKey alone
// (the principal ID, in practice): a later call with the same cacheKey
// returns the memoized set whatever roleNames it passes.
func (r *RBAC) EffectivePermissions(cacheKey string, roleNames []string) (map[Permission]struct{}, error) {
	r.mu.RLock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check after acquiring the write lock in case another goroutine
	// populated the cache first.
	if cached, ok := r.cache[cacheKey]; ok {
		return cached, nil
	}

	effective := make(map[Permission]struct{})
	visited := make(map[string]bool)
	var union func(name string) error
	union = func(name string) error {
		if visited[name] {
			return nil
		}
		visited[name] = true
		role, ok := r.roles[name]
		if !ok {
			return fmt.Errorf("auth: role %q does not exist", name)
		}
		for p := range role.Permissions {
			effective[p] = struct{}{}
		}
		for _, parent := range role.InheritsFrom {
			if err := union(parent); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range roleNames {
		if err := union(name); err != nil {
			return nil, err
		}
	}

	r.cache[cacheKey] = effective
	return effective, nil
}

// Invalidate clears the memoized permission set for a principal, called
// whenever a principal's role assignment changes.
func (r *RBAC) Invalidate(cacheKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey)
}

// Has reports whether perms contains p.
func Has(perms map[Permission]struct{}, p Permission) bool {
	_, ok := perms[p]
	return ok
}
