package conveyor

import "context"

// Caller is the identity on whose behalf an engine operation runs.
// It is threaded explicitly through every operation; there is no ambient
// session state.
type Caller struct {
	// User is an opaque identifier recorded as job owner and log actor.
	User string

	// Admin grants cross-tenant visibility and access to administrative
	// operations (Retry, BulkRetryDeadLetter, ManuallyCloseCircuit).
	Admin bool
}

// PermissionChecker resolves a caller's tenant access. The engine consumes
// this as a capability; identity resolution itself is external.
type PermissionChecker interface {
	// CanAccessTenant returns nil if the caller may act on the tenant.
	// It returns ErrNotPermitted for missing membership and
	// ErrTenantSuspended for tenants that exist but are suspended.
	CanAccessTenant(ctx context.Context, c Caller, tenant string) error

	// TenantsFor returns the tenants the caller belongs to. Admin callers
	// may receive nil, meaning "all tenants".
	TenantsFor(ctx context.Context, c Caller) ([]string, error)
}

// StaticChecker is a map-backed PermissionChecker for tests and
// single-process deployments.
type StaticChecker struct {
	// Members maps user → tenants the user belongs to.
	Members map[string][]string

	// Suspended marks tenants that exist but refuse new work.
	Suspended map[string]bool
}

var _ PermissionChecker = (*StaticChecker)(nil)

func (s *StaticChecker) CanAccessTenant(_ context.Context, c Caller, tenant string) error {
	if s.Suspended[tenant] {
		return ErrTenantSuspended
	}
	if c.Admin {
		return nil
	}
	for _, t := range s.Members[c.User] {
		if t == tenant {
			return nil
		}
	}
	return ErrNotPermitted
}

func (s *StaticChecker) TenantsFor(_ context.Context, c Caller) ([]string, error) {
	if c.Admin {
		return nil, nil
	}
	tenants := s.Members[c.User]
	if tenants == nil {
		tenants = []string{}
	}
	return tenants, nil
}
