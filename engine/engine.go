// Package engine wires the Conveyor subsystems together and exposes the
// operations callers use: submitting, querying, canceling, and retrying
// jobs, dead letter management, circuit control, and metrics.
//
// The engine owns policy (permissions, rate limits, dedup, defaults);
// the worker package owns execution. Both share the same store,
// dispatcher, and notifier, wired through [New]:
//
//	eng, err := engine.New(store,
//	    engine.WithTypes(types),
//	    engine.WithRegistry(registry),
//	    engine.WithDispatcher(disp),
//	    engine.WithPermissions(checker),
//	)
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/breaker"
	"github.com/conveyorhq/conveyor/dispatch"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/realtime"
)

// Engine is the policy layer over the job store.
type Engine struct {
	store      job.Store
	brk        *breaker.Breaker
	dispatcher dispatch.Dispatcher
	notifier   *realtime.Notifier
	types      *job.TypeRegistry
	registry   *job.Registry
	perms      conveyor.PermissionChecker
	defaults   conveyor.Defaults
	logger     *slog.Logger
	now        func() time.Time

	// Raw option inputs, resolved in New once all options have applied
	// so option order carries no meaning.
	publisher realtime.Publisher
	brkStore  breaker.Store
}

// Option configures an Engine.
type Option func(*Engine)

// WithTypes sets the job type registry.
func WithTypes(t *job.TypeRegistry) Option {
	return func(e *Engine) { e.types = t }
}

// WithRegistry sets the handler registry.
func WithRegistry(r *job.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithDispatcher sets the queue transport. Defaults to an in-process
// dispatcher.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithPublisher sets the realtime publisher for job events. Without it
// no events are broadcast.
func WithPublisher(p realtime.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithPermissions sets the tenant access checker. Without it all
// callers may act on all tenants (single-tenant embedding).
func WithPermissions(p conveyor.PermissionChecker) Option {
	return func(e *Engine) { e.perms = p }
}

// WithDefaults overrides the engine defaults.
func WithDefaults(d conveyor.Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBreakerStore sets the circuit breaker store explicitly. Without
// it the engine uses the job store when it also implements
// breaker.Store, and disables circuit breaking otherwise.
func WithBreakerStore(s breaker.Store) Option {
	return func(e *Engine) { e.brkStore = s }
}

// allowAll is the default permission checker: every caller may act on
// every tenant.
type allowAll struct{}

func (allowAll) CanAccessTenant(_ context.Context, _ conveyor.Caller, _ string) error {
	return nil
}

func (allowAll) TenantsFor(_ context.Context, _ conveyor.Caller) ([]string, error) {
	return nil, nil
}

// New creates an engine over the given store.
func New(store job.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, conveyor.ErrNoStore
	}

	e := &Engine{
		store:    store,
		defaults: conveyor.DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.types == nil {
		e.types = job.NewTypeRegistry()
	}
	if e.registry == nil {
		e.registry = job.NewRegistry()
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.NewMemory(0)
	}
	if e.perms == nil {
		e.perms = allowAll{}
	}
	e.notifier = realtime.NewNotifier(e.publisher, e.logger)
	if e.brkStore == nil {
		if bs, ok := store.(breaker.Store); ok {
			e.brkStore = bs
		}
	}
	if e.brkStore != nil {
		e.brk = breaker.New(e.brkStore, store, e.logger)
	}
	return e, nil
}

// Store returns the job store.
func (e *Engine) Store() job.Store { return e.store }

// Breaker returns the circuit breaker, or nil when disabled.
func (e *Engine) Breaker() *breaker.Breaker { return e.brk }

// Dispatcher returns the queue transport.
func (e *Engine) Dispatcher() dispatch.Dispatcher { return e.dispatcher }

// Notifier returns the realtime notifier.
func (e *Engine) Notifier() *realtime.Notifier { return e.notifier }

// Types returns the job type registry.
func (e *Engine) Types() *job.TypeRegistry { return e.types }

// Registry returns the handler registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Defaults returns the engine defaults.
func (e *Engine) Defaults() conveyor.Defaults { return e.defaults }

// access checks whether the caller may see or act on a job. Admins and
// the job's owner always may; otherwise tenant membership decides.
func (e *Engine) access(ctx context.Context, c conveyor.Caller, j *job.Job) error {
	if c.Admin || (c.User != "" && c.User == j.Owner) {
		return nil
	}
	return e.perms.CanAccessTenant(ctx, c, j.Tenant)
}

// tenantScope resolves the tenant set a caller may query. nil means all
// tenants (admin); an empty slice means none.
func (e *Engine) tenantScope(ctx context.Context, c conveyor.Caller) ([]string, error) {
	if c.Admin {
		return nil, nil
	}
	tenants, err := e.perms.TenantsFor(ctx, c)
	if err != nil {
		return nil, err
	}
	if tenants == nil {
		return nil, nil
	}
	return tenants, nil
}
