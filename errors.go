package conveyor

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore = errors.New("conveyor: no store configured")

	// Not found errors.
	ErrJobNotFound     = errors.New("conveyor: job not found")
	ErrUnknownJobType  = errors.New("conveyor: unknown job type")
	ErrBreakerNotFound = errors.New("conveyor: circuit breaker not found")

	// Permission errors.
	ErrNotPermitted    = errors.New("conveyor: not permitted")
	ErrAdminRequired   = errors.New("conveyor: administrator role required")
	ErrTenantSuspended = errors.New("conveyor: tenant is suspended")

	// Validation errors.
	ErrJobTypeDisabled       = errors.New("conveyor: job type is disabled")
	ErrUnknownDependency     = errors.New("conveyor: dependency job not found")
	ErrCrossTenantDependency = errors.New("conveyor: dependency must belong to the same tenant")
	ErrSelfDependency        = errors.New("conveyor: job cannot depend on itself")
	ErrRateLimited           = errors.New("conveyor: submission rate limit exceeded")

	// State errors.
	ErrInvalidTransition = errors.New("conveyor: invalid status transition")
	ErrDuplicateJob      = errors.New("conveyor: duplicate job")
)

// DuplicateError is returned by Submit when a non-terminal job with the same
// deduplication hash already exists within the dedup window. It carries the
// existing job so callers can report it.
type DuplicateError struct {
	JobID  string
	Status string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("conveyor: duplicate job: existing job %s (status: %s)", e.JobID, e.Status)
}

// Is makes errors.Is(err, ErrDuplicateJob) work for DuplicateError values.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateJob }

// InvalidTransitionError reports a state machine violation.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("conveyor: invalid status transition: %s → %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) work for InvalidTransitionError values.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
