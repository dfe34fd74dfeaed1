// Package conveyor provides a multi-tenant background job engine for Go.
// It offers durable job records with a validated state machine, deduplicated
// submission, retry with exponential backoff, per-(job type, tenant) circuit
// breaking, a dead letter queue, progress reporting with cooperative
// cancellation, and realtime status events.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// store, register job types and handlers, and start the worker pool and
// maintenance sweeps.
//
// # Quick Start
//
//	types := job.NewTypeRegistry()
//	types.MustRegister(&job.Type{Name: "echo", Enabled: true})
//
//	handlers := job.NewRegistry()
//	handlers.MustRegister(&job.Definition{Name: "echo", Handler: echoHandler})
//
//	eng, err := engine.New(store,
//	    engine.WithTypes(types),
//	    engine.WithDispatcher(dispatch.NewMemory(0)),
//	    engine.WithPermissions(checker),
//	)
//
// # Architecture
//
// Conveyor follows a composable store pattern where each subsystem (job,
// breaker) defines its own store interface. A single backend implements
// all of them; memory and postgres backends ship with the library.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conveyor
