// Package middleware wraps handler invocations with cross-cutting
// behavior: panic recovery, attempt logging, execution metrics. The
// executor composes a chain once and runs every attempt through it.
package middleware

import (
	"context"

	"github.com/conveyorhq/conveyor/job"
)

// Handler is the innermost call that runs the job body.
type Handler func(ctx context.Context) error

// Middleware decorates one handler invocation. It sees the job being
// executed and decides whether and how to call next.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain folds middlewares into one, first middleware outermost. An
// empty chain passes straight through to the handler.
func Chain(mws ...Middleware) Middleware {
	if len(mws) == 0 {
		return func(ctx context.Context, _ *job.Job, next Handler) error {
			return next(ctx)
		}
	}
	outer, rest := mws[0], Chain(mws[1:]...)
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return outer(ctx, j, func(ctx context.Context) error {
			return rest(ctx, j, next)
		})
	}
}
