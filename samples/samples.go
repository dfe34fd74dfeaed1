// Package samples provides ready-made job handlers for exercising the
// engine: an echo job, a long-running sleeper, and a flaky job with
// scriptable failures. The test suite and documentation examples use
// them; nothing in the engine depends on this package.
package samples

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// Job type names the sample handlers are registered under.
const (
	TypeEcho    = "echo"
	TypeSleeper = "sleeper"
	TypeFlaky   = "flaky"
)

// Echo returns its parameters as the output reference. Useful for quick
// round-trip checks of submission and completion.
func Echo(ctx context.Context, rc job.RunContext) (*job.Result, error) {
	if err := rc.UpdateProgress(ctx, 50, "Processing..."); err != nil {
		return nil, err
	}

	out, err := json.Marshal(rc.Parameters())
	if err != nil {
		return nil, conveyor.WrapPermanent("echo: encode parameters", err)
	}

	if err := rc.UpdateProgress(ctx, 100, "Done!"); err != nil {
		return nil, err
	}
	return &job.Result{OutputReference: string(out)}, nil
}

// sleepStep is how often the sleeper wakes to report progress and check
// for cancellation.
const sleepStep = 50 * time.Millisecond

// Sleeper runs for the number of seconds in the "duration" parameter
// (default 600), reporting progress as it goes. It exercises timeouts
// and cooperative cancellation.
func Sleeper(ctx context.Context, rc job.RunContext) (*job.Result, error) {
	duration := time.Duration(floatParam(rc.Parameters(), "duration", 600) * float64(time.Second))

	start := time.Now()
	lastProgress := 0
	timer := time.NewTimer(sleepStep)
	defer timer.Stop()

	for {
		elapsed := time.Since(start)
		if elapsed >= duration {
			break
		}

		progress := min(100, int(elapsed*100/duration))
		if progress > lastProgress {
			msg := fmt.Sprintf("Running for %s...", elapsed.Round(time.Second))
			if err := rc.UpdateProgress(ctx, progress, msg); err != nil {
				return nil, err
			}
			lastProgress = progress
		} else if rc.IsCanceled(ctx) {
			return nil, conveyor.ErrJobCanceled
		}

		timer.Reset(sleepStep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return &job.Result{
		OutputReference: fmt.Sprintf("Completed after %s", duration),
	}, nil
}

// Flaky is a handler with scriptable failures, tracking attempts per job
// in memory. Parameters:
//
//	fail_until_attempt (int)  fail with a transient error until this
//	                          attempt number (1-based) is reached
//	fail_at_progress   (int)  fail once progress reaches this percentage
//	fail_type          (str)  "transient" (default) or "permanent"
//	duration           (num)  seconds to spread the 10 steps over (default 0)
type Flaky struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewFlaky creates a flaky handler with a fresh attempt ledger.
func NewFlaky() *Flaky {
	return &Flaky{attempts: make(map[string]int)}
}

// Attempts returns how many times the given job has been executed.
func (f *Flaky) Attempts(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[jobID]
}

// Handler runs one flaky execution.
func (f *Flaky) Handler(ctx context.Context, rc job.RunContext) (*job.Result, error) {
	params := rc.Parameters()

	f.mu.Lock()
	f.attempts[rc.JobID().String()]++
	attempt := f.attempts[rc.JobID().String()]
	f.mu.Unlock()

	failType := stringParam(params, "fail_type", "transient")
	failAtProgress := int(floatParam(params, "fail_at_progress", 0))
	failUntilAttempt := int(floatParam(params, "fail_until_attempt", 0))
	duration := time.Duration(floatParam(params, "duration", 0) * float64(time.Second))

	const steps = 10
	stepDuration := duration / steps

	for i := 1; i <= steps; i++ {
		progress := i * 10
		msg := fmt.Sprintf("Processing step %d of %d...", i, steps)
		if err := rc.UpdateProgress(ctx, progress, msg); err != nil {
			return nil, err
		}

		if failAtProgress > 0 && progress >= failAtProgress {
			return nil, failure(failType, fmt.Sprintf("Simulated %s failure at %d%%", failType, progress))
		}

		if stepDuration > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(stepDuration):
			}
		}
	}

	if failUntilAttempt > 0 && attempt < failUntilAttempt {
		return nil, conveyor.NewTransient(fmt.Sprintf("Simulated transient failure on attempt %d", attempt))
	}

	switch stringParam(params, "fail_type", "") {
	case "permanent":
		return nil, conveyor.NewPermanent("Simulated permanent failure at completion")
	case "transient":
		if failUntilAttempt == 0 && failAtProgress == 0 {
			return nil, conveyor.NewTransient("Simulated transient failure at completion")
		}
	}

	return &job.Result{
		OutputReference: fmt.Sprintf("/files/sample-output-%s.txt", rc.JobID()),
	}, nil
}

func failure(failType, message string) error {
	if failType == "permanent" {
		return conveyor.NewPermanent(message)
	}
	return conveyor.NewTransient(message)
}

// floatParam reads a numeric parameter, tolerating the types JSON and
// callers produce.
func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return def
}
