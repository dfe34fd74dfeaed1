package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// Recover converts a handler panic into a permanent failure. A panic
// is a programming error: the same input would panic again on retry,
// so the job goes straight to the dead letter queue instead of burning
// its retry budget. The panic value and stack are logged.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("job handler panicked",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = conveyor.NewPermanent(fmt.Sprintf("panic in %s handler: %v", j.Type, r))
		}()
		return next(ctx)
	}
}
