package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyorhq/conveyor/id"
)

// Result is what a successful handler returns. OutputReference points at
// the produced artifact; the job record never stores result payloads
// inline.
type Result struct {
	OutputReference string
}

// RunContext is the per-execution surface handed to a handler. It
// carries the job's identity and parameters and the progress and
// cancellation protocol.
type RunContext interface {
	JobID() id.ID
	JobType() string
	Tenant() string
	Parameters() map[string]any

	// UpdateProgress records completion percent and an optional message.
	// It returns conveyor.ErrJobCanceled if a cancellation has been
	// requested; the handler should stop and return that error.
	UpdateProgress(ctx context.Context, percent int, message string) error

	// IsCanceled reports whether cancellation has been requested without
	// writing progress.
	IsCanceled(ctx context.Context) bool
}

// Handler is the executable body of a job type. A nil Result is treated
// as a Result with no output reference.
type Handler func(ctx context.Context, rc RunContext) (*Result, error)

// CleanupFunc releases external resources after a timed-out attempt.
// Errors are logged, not propagated.
type CleanupFunc func(ctx context.Context, j *Job) error

// Definition binds a type name to executable code.
type Definition struct {
	Name    string
	Handler Handler

	// TimeoutCleanup, if set, runs best-effort after an attempt times out.
	TimeoutCleanup CleanupFunc
}

// Registry maps job type names to handler definitions. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Definition
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Definition)}
}

// Register registers a definition. Re-registering a name replaces the
// previous definition.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("job: definition missing name")
	}
	if def.Handler == nil {
		return fmt.Errorf("job: definition %q missing handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = def
	return nil
}

// MustRegister is like Register but panics on error. Use at startup.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for the given type name.
// Returns false if no definition is registered.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.handlers[name]
	return def, ok
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
