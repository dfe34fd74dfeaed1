// Package job defines the job entity, its status state machine, the
// per-type configuration registry, handler definitions, and the store
// interface.
//
// # Job Entity
//
// A [Job] is one durable unit of background work, scoped to a tenant and
// owned by the submitting user. It progresses through an explicit state
// machine:
//
//	Pending → Queued → Running → Completed
//	Pending → Queued → Running → Failed → Queued → ...
//	Pending → Queued → Running → Timed Out → Queued → ...
//	Failed / Timed Out → Dead Letter   (retry budget exhausted)
//	Pending / Queued / Running → Canceled
//	Dead Letter → Queued               (manual retry)
//
// Every transition is validated against [ValidTransitions] and recorded
// as an immutable [LogEntry]. Use [Transition] to move a job between
// statuses; it enforces edge validity and applies the per-status field
// invariants (timestamps, error-field clearing, progress completion).
//
// # Deduplication
//
// [Hash] computes a deterministic digest over (type, tenant, parameters)
// used to detect duplicate submissions inside a configurable window. Two
// submissions with the same parameters in a different key order produce
// the same hash.
//
// # Types and Handlers
//
// A [Type] is the admin-configured policy for one kind of work: timeout,
// retry budget, rate limit, circuit breaker settings. A [Definition]
// binds a type name to executable code. Both live in registries built at
// startup:
//
//	types.MustRegister(&job.Type{Name: "send_email", MaxRetries: 3})
//	registry.MustRegister(&job.Definition{Name: "send_email", Handler: sendEmail})
package job
