package conveyor

import "time"

// Defaults holds engine-wide default values. Per-job-type configuration
// overrides these; absent job-type values fall back here.
type Defaults struct {
	// Timeout is the default wall-clock execution limit per attempt.
	Timeout time.Duration

	// MaxRetries is the default retry budget before dead-lettering.
	MaxRetries int

	// DedupWindow is the default interval within which an identical
	// (job_type, tenant, parameters) submission is rejected.
	DedupWindow time.Duration

	// DependencyRecheck is how long a job waits before its dependency is
	// checked again when the parent has not finished yet.
	DependencyRecheck time.Duration

	// RateLimitWindow is the default window for job-type submission
	// rate limits.
	RateLimitWindow time.Duration

	// MaxRateLimitWindow caps configurable rate limit windows.
	MaxRateLimitWindow time.Duration

	// Circuit breaker defaults.
	BreakerThreshold      float64
	BreakerMinSamples     int
	BreakerWindow         time.Duration
	BreakerCooldown       time.Duration
	BreakerReopenCooldown time.Duration

	// Retention is how long terminal jobs are kept before cleanup.
	Retention time.Duration

	// CleanupBatch is the per-transaction batch size for cleanup.
	CleanupBatch int

	// ProgressThrottle is the minimum interval between realtime progress
	// broadcasts for a single job.
	ProgressThrottle time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Defaults {
	return Defaults{
		Timeout:               5 * time.Minute,
		MaxRetries:            5,
		DedupWindow:           5 * time.Minute,
		DependencyRecheck:     30 * time.Second,
		RateLimitWindow:       time.Minute,
		MaxRateLimitWindow:    24 * time.Hour,
		BreakerThreshold:      0.5,
		BreakerMinSamples:     10,
		BreakerWindow:         30 * time.Minute,
		BreakerCooldown:       15 * time.Minute,
		BreakerReopenCooldown: 10 * time.Minute,
		Retention:             30 * 24 * time.Hour,
		CleanupBatch:          100,
		ProgressThrottle:      time.Second,
	}
}
