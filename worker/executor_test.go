package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/breaker"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/worker"
)

type fixture struct {
	store    *memory.Store
	registry *job.Registry
	types    *job.TypeRegistry
	executor *worker.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	registry := job.NewRegistry()
	types := job.NewTypeRegistry()
	types.MustRegister(&job.Type{Name: "work", Enabled: true, EnableBreaker: true})

	defaults := conveyor.DefaultConfig()
	defaults.DependencyRecheck = 30 * time.Second

	exec := worker.NewExecutor(
		store, registry, types,
		breaker.New(store, store, slog.New(slog.DiscardHandler)),
		nil,
		backoff.NewConstant(time.Minute),
		defaults,
		slog.New(slog.DiscardHandler),
	)
	return &fixture{store: store, registry: registry, types: types, executor: exec}
}

func (f *fixture) seed(t *testing.T, mutate func(*job.Job)) *job.Job {
	t.Helper()

	now := time.Now()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       "work",
		Tenant:     "acme",
		Owner:      "alice",
		Priority:   job.PriorityNormal,
		Status:     job.StatusQueued,
		MaxRetries: 3,
		Timeout:    5 * time.Second,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(j)
	}
	var err error
	j.Hash, err = job.Hash(j.Type, j.Tenant, j.Parameters)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := f.store.CreateDeduplicated(context.Background(), j, nil, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return j
}

func (f *fixture) handler(h job.Handler) {
	f.registry.MustRegister(&job.Definition{Name: "work", Handler: h})
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		if err := rc.UpdateProgress(ctx, 50, "halfway"); err != nil {
			return nil, err
		}
		return &job.Result{OutputReference: "s3://bucket/out.csv"}, nil
	})
	j := f.seed(t, nil)

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want Completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.OutputReference != "s3://bucket/out.csv" {
		t.Errorf("output = %q", got.OutputReference)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("execution timestamps missing")
	}

	history, _ := f.store.History(ctx, j.ID)
	var sawRunning bool
	for _, entry := range history {
		if entry.To == job.StatusRunning {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Error("history missing Running transition")
	}
}

func TestExecute_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		return nil, conveyor.NewTransient("connection refused")
	})
	j := f.seed(t, nil)

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
	if got.ErrorType != job.ErrorTransient {
		t.Errorf("error type = %s", got.ErrorType)
	}
	if got.ErrorMessage != "connection refused" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.NextRetryAt == nil {
		t.Error("retry not scheduled")
	}
}

func TestExecute_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		return nil, conveyor.NewTransient("still down")
	})
	j := f.seed(t, func(j *job.Job) { j.RetryCount = 3; j.MaxRetries = 3 })

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("status = %s, want Dead Letter", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on dead letter")
	}
}

func TestExecute_PermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		return nil, conveyor.NewPermanent("invalid input schema")
	})
	j := f.seed(t, nil)

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("status = %s, want Dead Letter", got.Status)
	}
	if got.ErrorType != job.ErrorPermanent {
		t.Errorf("error type = %s", got.ErrorType)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, permanent failures must not consume retries", got.RetryCount)
	}
}

func TestExecute_TimeoutRunsCleanupAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cleaned := make(chan struct{}, 1)
	f.registry.MustRegister(&job.Definition{
		Name: "work",
		Handler: func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		TimeoutCleanup: func(ctx context.Context, j *job.Job) error {
			cleaned <- struct{}{}
			return nil
		},
	})
	j := f.seed(t, func(j *job.Job) { j.Timeout = 50 * time.Millisecond })

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusTimedOut {
		t.Fatalf("status = %s, want Timed Out", got.Status)
	}
	if got.ErrorType != job.ErrorTransient {
		t.Errorf("error type = %s, timeouts are retryable", got.ErrorType)
	}
	if got.NextRetryAt == nil {
		t.Error("retry not scheduled after timeout")
	}

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Error("timeout cleanup never ran")
	}
}

func TestExecute_CanceledMidRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var jRef *job.Job
	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		// A user cancels while the handler is at its checkpoint.
		err := f.store.WithLock(ctx, jRef.ID, func(cur *job.Job) (*job.LogEntry, error) {
			return job.Transition(cur, job.StatusCanceled, "alice", "", time.Now())
		})
		if err != nil {
			t.Errorf("cancel: %v", err)
		}
		if err := rc.UpdateProgress(ctx, 50, "checkpoint"); err != nil {
			return nil, err
		}
		t.Error("handler should have observed the cancellation")
		return &job.Result{}, nil
	})
	jRef = f.seed(t, nil)

	if err := f.executor.Execute(ctx, jRef.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, jRef.ID)
	if got.Status != job.StatusCanceled {
		t.Fatalf("status = %s, want Canceled", got.Status)
	}
	if got.CanceledBy != "alice" {
		t.Errorf("canceled by = %q", got.CanceledBy)
	}
}

func TestExecute_NoHandlerDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.seed(t, nil)

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("status = %s, want Dead Letter", got.Status)
	}
	if got.ErrorType != job.ErrorPermanent {
		t.Errorf("error type = %s", got.ErrorType)
	}
}

func TestExecute_SkipsNonQueuedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ran := false
	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		ran = true
		return nil, nil
	})
	j := f.seed(t, nil)
	err := f.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		return job.Transition(cur, job.StatusCanceled, "alice", "", time.Now())
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ran {
		t.Error("stale transport delivery must not execute")
	}
}

func TestExecute_DependencyGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ran := false
	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		ran = true
		return nil, nil
	})

	t.Run("unfinished parent parks the child", func(t *testing.T) {
		parent := f.seed(t, nil)
		child := f.seed(t, func(j *job.Job) {
			j.DependsOn = parent.ID
			j.Parameters = map[string]any{"child": 1}
		})

		if err := f.executor.Execute(ctx, child.ID); err != nil {
			t.Fatalf("execute: %v", err)
		}
		got, _ := f.store.Get(ctx, child.ID)
		if got.Status != job.StatusQueued || got.NextRetryAt == nil {
			t.Errorf("child = %s (recheck %v), want parked Queued", got.Status, got.NextRetryAt)
		}
		if ran {
			t.Error("child ran before its parent finished")
		}
	})

	t.Run("dead parent dead-letters the child", func(t *testing.T) {
		parent := f.seed(t, func(j *job.Job) {
			j.Status = job.StatusDeadLetter
			j.Parameters = map[string]any{"parent": 2}
		})
		child := f.seed(t, func(j *job.Job) {
			j.DependsOn = parent.ID
			j.Parameters = map[string]any{"child": 2}
		})

		if err := f.executor.Execute(ctx, child.ID); err != nil {
			t.Fatalf("execute: %v", err)
		}
		got, _ := f.store.Get(ctx, child.ID)
		if got.Status != job.StatusDeadLetter {
			t.Errorf("child = %s, want Dead Letter", got.Status)
		}
		if got.ErrorType != job.ErrorPermanent {
			t.Errorf("error type = %s", got.ErrorType)
		}
	})

	t.Run("completed parent lets the child run", func(t *testing.T) {
		parent := f.seed(t, func(j *job.Job) {
			j.Status = job.StatusCompleted
			j.Parameters = map[string]any{"parent": 3}
		})
		child := f.seed(t, func(j *job.Job) {
			j.DependsOn = parent.ID
			j.Parameters = map[string]any{"child": 3}
		})

		if err := f.executor.Execute(ctx, child.ID); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !ran {
			t.Error("child never ran")
		}
		got, _ := f.store.Get(ctx, child.ID)
		if got.Status != job.StatusCompleted {
			t.Errorf("child = %s, want Completed", got.Status)
		}
	})
}

func TestExecute_OpenCircuitRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		t.Error("handler must not run with an open circuit")
		return nil, nil
	})

	now := time.Now()
	if err := f.store.PutBreaker(ctx, &breaker.Record{
		JobType:   "work",
		Tenant:    "acme",
		State:     breaker.StateOpen,
		Reason:    "failure rate 80% exceeds threshold 50% (8/10 in last 30 minutes)",
		OpenedAt:  now,
		Cooldown:  15 * time.Minute,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put breaker: %v", err)
	}

	j := f.seed(t, nil)
	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("status = %s, want Dead Letter", got.Status)
	}
	if got.ErrorType != job.ErrorBreakerOpen {
		t.Errorf("error type = %s, want CircuitBreakerOpen", got.ErrorType)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, breaker rejection must not consume retries", got.RetryCount)
	}

	// Other tenants of the same type are unaffected.
	other := f.seed(t, func(j *job.Job) {
		j.Tenant = "globex"
		j.Parameters = map[string]any{"other": true}
	})
	if err := f.executor.Execute(ctx, other.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	status, _ := f.store.GetStatus(ctx, other.ID)
	if status != job.StatusCompleted {
		t.Errorf("other tenant status = %s, want Completed", status)
	}
}

func TestExecute_ProbeClosesCircuitOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		return nil, nil
	})

	opened := time.Now().Add(-20 * time.Minute)
	if err := f.store.PutBreaker(ctx, &breaker.Record{
		JobType:   "work",
		Tenant:    "acme",
		State:     breaker.StateOpen,
		Reason:    "failure rate 80% exceeds threshold 50% (8/10 in last 30 minutes)",
		OpenedAt:  opened,
		Cooldown:  15 * time.Minute,
		UpdatedAt: opened,
	}); err != nil {
		t.Fatalf("put breaker: %v", err)
	}

	j := f.seed(t, nil)
	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	status, _ := f.store.GetStatus(ctx, j.ID)
	if status != job.StatusCompleted {
		t.Fatalf("probe status = %s, want Completed", status)
	}

	rec, err := f.store.GetBreaker(ctx, "work", "acme")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if rec != nil {
		t.Errorf("circuit still %s, want closed (no record)", rec.State)
	}
}

func TestExecute_UnknownJobIsIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.executor.Execute(context.Background(), id.NewJobID()); err != nil {
		t.Fatalf("execute unknown id: %v", err)
	}
}

func TestExecute_PanicDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		panic("nil map write")
	})
	j := f.seed(t, nil)

	exec := worker.NewExecutor(
		f.store, f.registry, f.types, nil, nil,
		backoff.NewConstant(time.Minute),
		conveyor.DefaultConfig(),
		slog.New(slog.DiscardHandler),
		middleware.Recover(slog.New(slog.DiscardHandler)),
	)
	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("status = %s, want Dead Letter (panics must not retry)", got.Status)
	}
	if got.ErrorType != job.ErrorPermanent {
		t.Errorf("error type = %s", got.ErrorType)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", got.RetryCount)
	}
}

// cancelOnGetStore cancels the job immediately after the executor's
// initial load, reproducing a user cancel racing a worker pickup.
type cancelOnGetStore struct {
	*memory.Store
	fired bool
}

func (s *cancelOnGetStore) Get(ctx context.Context, jobID id.ID) (*job.Job, error) {
	j, err := s.Store.Get(ctx, jobID)
	if err != nil || s.fired {
		return j, err
	}
	s.fired = true
	err = s.Store.WithLock(ctx, jobID, func(cur *job.Job) (*job.LogEntry, error) {
		return job.Transition(cur, job.StatusCanceled, "alice", "", time.Now())
	})
	if err != nil {
		return nil, err
	}
	// The caller still sees the pre-cancel snapshot.
	return j, nil
}

func TestExecute_CancelDuringPickupSkipsHandler(t *testing.T) {
	ctx := context.Background()

	inner := memory.New()
	store := &cancelOnGetStore{Store: inner}
	registry := job.NewRegistry()
	types := job.NewTypeRegistry()
	types.MustRegister(&job.Type{Name: "work", Enabled: true})

	ran := false
	registry.MustRegister(&job.Definition{
		Name: "work",
		Handler: func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
			ran = true
			return nil, nil
		},
	})

	exec := worker.NewExecutor(
		store, registry, types, nil, nil,
		backoff.NewConstant(time.Minute),
		conveyor.DefaultConfig(),
		slog.New(slog.DiscardHandler),
	)

	now := time.Now()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       "work",
		Tenant:     "acme",
		Owner:      "alice",
		Priority:   job.PriorityNormal,
		Status:     job.StatusQueued,
		MaxRetries: 3,
		Timeout:    5 * time.Second,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var err error
	j.Hash, err = job.Hash(j.Type, j.Tenant, j.Parameters)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := inner.CreateDeduplicated(ctx, j, nil, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ran {
		t.Error("handler ran for a job canceled during pickup")
	}
	got, _ := inner.Get(ctx, j.ID)
	if got.Status != job.StatusCanceled {
		t.Fatalf("status = %s, want Canceled", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt set on a job that never ran")
	}
}

var errBoom = errors.New("boom")

func TestExecute_UnclassifiedErrorsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler(func(ctx context.Context, rc job.RunContext) (*job.Result, error) {
		return nil, errBoom
	})
	j := f.seed(t, nil)

	if err := f.executor.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want Failed (unknown errors default to retry)", got.Status)
	}
	if got.ErrorType != job.ErrorTransient {
		t.Errorf("error type = %s", got.ErrorType)
	}
}
