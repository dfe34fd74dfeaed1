package engine

import (
	"context"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// maxPageSize caps the page size a caller may request from list
// queries.
const maxPageSize = 100

// GetStatus returns a job's full record for callers with access to it.
func (e *Engine) GetStatus(ctx context.Context, c conveyor.Caller, jobID id.ID) (*job.Job, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.access(ctx, c, j); err != nil {
		return nil, err
	}
	return j, nil
}

// GetHistory returns a job's transition log ordered oldest first.
func (e *Engine) GetHistory(ctx context.Context, c conveyor.Caller, jobID id.ID) ([]*job.LogEntry, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.access(ctx, c, j); err != nil {
		return nil, err
	}
	return e.store.History(ctx, jobID)
}

// List returns jobs visible to the caller, newest first, plus the total
// match count before pagination. Non-admin callers are scoped to their
// tenant memberships regardless of the filter they pass.
func (e *Engine) List(ctx context.Context, c conveyor.Caller, f job.Filter) ([]*job.Job, int64, error) {
	tenants, err := e.tenantScope(ctx, c)
	if err != nil {
		return nil, 0, err
	}
	if tenants != nil {
		f.Tenants = tenants
		// A single-tenant filter outside the caller's scope matches
		// nothing rather than leaking.
		if f.Tenant != "" && !contains(tenants, f.Tenant) {
			return []*job.Job{}, 0, nil
		}
	}
	f.Limit = clampPageSize(f.Limit)
	return e.store.List(ctx, f)
}

// clampPageSize bounds a caller-supplied page size to maxPageSize.
// Non-positive values fall through to the store default.
func clampPageSize(limit int) int {
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
