package job

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Type is the admin-configured policy for one kind of work. Zero values
// fall back to the engine defaults at submission time.
type Type struct {
	Name    string
	Enabled bool

	DefaultTimeout  time.Duration
	DefaultPriority Priority
	MaxRetries      int

	// DedupWindow overrides the engine dedup window. Zero means use the
	// engine default; negative disables deduplication for this type.
	DedupWindow time.Duration

	// RateLimit caps submissions per owner inside RateLimitWindow.
	// Zero disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	// Circuit breaker settings. Zero values fall back to engine defaults.
	EnableBreaker     bool
	BreakerThreshold  float64
	BreakerMinSamples int
	BreakerWindow     time.Duration
	BreakerCooldown   time.Duration
}

// Validate checks the configured bounds.
func (t *Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("job: type missing name")
	}
	if t.DefaultTimeout != 0 && (t.DefaultTimeout < time.Second || t.DefaultTimeout > 24*time.Hour) {
		return fmt.Errorf("job: type %q: timeout %v out of range [1s, 24h]", t.Name, t.DefaultTimeout)
	}
	if t.MaxRetries < 0 || t.MaxRetries > 10 {
		return fmt.Errorf("job: type %q: max retries %d out of range [0, 10]", t.Name, t.MaxRetries)
	}
	if t.RateLimit < 0 || t.RateLimit > 10000 {
		return fmt.Errorf("job: type %q: rate limit %d out of range [0, 10000]", t.Name, t.RateLimit)
	}
	if t.RateLimitWindow != 0 && (t.RateLimitWindow < time.Second || t.RateLimitWindow > 24*time.Hour) {
		return fmt.Errorf("job: type %q: rate limit window %v out of range [1s, 24h]", t.Name, t.RateLimitWindow)
	}
	if t.BreakerThreshold < 0 || t.BreakerThreshold > 1 {
		return fmt.Errorf("job: type %q: breaker threshold %v out of range [0, 1]", t.Name, t.BreakerThreshold)
	}
	return nil
}

// TypeRegistry maps type names to their configuration. Safe for
// concurrent use.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*Type)}
}

// Register validates and registers a type configuration. Re-registering
// a name replaces the previous configuration.
func (r *TypeRegistry) Register(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
	return nil
}

// MustRegister is like Register but panics on error. Use at startup.
func (r *TypeRegistry) MustRegister(t *Type) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the configuration for a type name.
// Returns false if the name is not registered.
func (r *TypeRegistry) Get(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns all registered type names, sorted.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
