package engine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/dispatch"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/realtime"
	"github.com/conveyorhq/conveyor/samples"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/stream"
	"github.com/conveyorhq/conveyor/sweep"
	"github.com/conveyorhq/conveyor/worker"
)

// rig is a fully wired engine: memory store, in-process dispatcher,
// stream broker, worker pool, and sweeps on tight intervals. Constant
// backoff keeps retry scenarios fast.
type rig struct {
	eng    *engine.Engine
	store  *memory.Store
	broker *stream.Broker
	flaky  *samples.Flaky
}

func newRig(t *testing.T, configure func(types *job.TypeRegistry)) *rig {
	t.Helper()

	discard := slog.New(slog.DiscardHandler)
	store := memory.New()
	disp := dispatch.NewMemory(64)
	broker := stream.NewBroker(discard)
	bo := backoff.NewConstant(25 * time.Millisecond)

	defaults := conveyor.DefaultConfig()
	defaults.DependencyRecheck = 20 * time.Millisecond

	flaky := samples.NewFlaky()

	types := job.NewTypeRegistry()
	types.MustRegister(&job.Type{Name: samples.TypeEcho, Enabled: true})
	types.MustRegister(&job.Type{Name: samples.TypeSleeper, Enabled: true})
	types.MustRegister(&job.Type{Name: samples.TypeFlaky, Enabled: true})
	if configure != nil {
		configure(types)
	}

	registry := job.NewRegistry()
	registry.MustRegister(&job.Definition{Name: samples.TypeEcho, Handler: samples.Echo})
	registry.MustRegister(&job.Definition{Name: samples.TypeSleeper, Handler: samples.Sleeper})
	registry.MustRegister(&job.Definition{Name: samples.TypeFlaky, Handler: flaky.Handler})

	eng, err := engine.New(store,
		engine.WithTypes(types),
		engine.WithRegistry(registry),
		engine.WithDispatcher(disp),
		engine.WithPublisher(broker),
		engine.WithDefaults(defaults),
		engine.WithLogger(discard),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	exec := worker.NewExecutor(store, registry, types, eng.Breaker(), eng.Notifier(), bo, defaults, discard)
	pool := worker.NewPool(store, disp, exec, discard, worker.WithConcurrency(4))
	runner := sweep.NewRunner(sweep.Deps{
		Store:      store,
		Dispatcher: disp,
		Notifier:   eng.Notifier(),
		Backoff:    bo,
		Logger:     discard,
		Retention:  defaults.Retention,
	},
		sweep.WithRetryInterval(20*time.Millisecond),
		sweep.WithDependentInterval(20*time.Millisecond),
		sweep.WithCleanupInterval(time.Hour),
	)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("start sweeps: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(stopCtx)
		_ = pool.Stop(stopCtx)
		_ = broker.Shutdown(stopCtx)
	})

	return &rig{eng: eng, store: store, broker: broker, flaky: flaky}
}

// waitFor polls until the job reaches the wanted status.
func (r *rig) waitFor(t *testing.T, jobID id.ID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := r.store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get %s: %v", jobID, err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, _ := r.store.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last status %s (%s)", jobID, want, j.Status, j.ErrorMessage)
	return nil
}

func statuses(entries []*job.LogEntry) []job.Status {
	out := make([]job.Status, len(entries))
	for i, e := range entries {
		out[i] = e.To
	}
	return out
}

func TestEndToEnd_EchoCompletes(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	sub := r.broker.Subscribe("watcher", stream.TenantTopic("acme"))
	defer r.broker.RemoveSubscriber("watcher")

	j, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeEcho,
		Tenant:     "acme",
		Parameters: map[string]any{"msg": "hi"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := r.waitFor(t, j.ID, job.StatusCompleted)
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if want := `{"msg":"hi"}`; done.OutputReference != want {
		t.Errorf("output = %q, want %q", done.OutputReference, want)
	}

	history, err := r.eng.GetHistory(ctx, alice, j.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []job.Status{job.StatusPending, job.StatusQueued, job.StatusRunning, job.StatusCompleted}
	got := statuses(history)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}

	// The tenant channel saw status transitions.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Tenant != "acme" {
				t.Fatalf("event for tenant %q leaked onto acme channel", evt.Tenant)
			}
			if evt.Name == realtime.EventStatusChanged {
				return
			}
		case <-timeout:
			t.Fatal("no status events received on tenant channel")
		}
	}
}

func TestEndToEnd_TransientRetry(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	j, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeFlaky,
		Tenant:     "acme",
		Parameters: map[string]any{"fail_until_attempt": 3},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := r.waitFor(t, j.ID, job.StatusCompleted)
	if done.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", done.RetryCount)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if got := r.flaky.Attempts(j.ID.String()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	history, err := r.eng.GetHistory(ctx, alice, j.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	failed := 0
	for _, e := range history {
		if e.To == job.StatusFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("failed transitions = %d, want 2 (history %v)", failed, statuses(history))
	}
}

func TestEndToEnd_PermanentFailure(t *testing.T) {
	r := newRig(t, nil)

	j, err := r.eng.Submit(context.Background(), alice, engine.SubmitRequest{
		Type:       samples.TypeFlaky,
		Tenant:     "acme",
		Parameters: map[string]any{"fail_type": "permanent"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := r.waitFor(t, j.ID, job.StatusDeadLetter)
	if done.ErrorType != job.ErrorPermanent {
		t.Errorf("error type = %q, want %q", done.ErrorType, job.ErrorPermanent)
	}
	if done.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", done.RetryCount)
	}
}

func TestEndToEnd_TimeoutExhaustsRetries(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	maxRetries := 1
	j, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeSleeper,
		Tenant:     "acme",
		Parameters: map[string]any{"duration": 999},
		Timeout:    150 * time.Millisecond,
		MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := r.waitFor(t, j.ID, job.StatusDeadLetter)
	if done.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", done.RetryCount)
	}

	history, err := r.eng.GetHistory(ctx, alice, j.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	timedOut := 0
	for _, e := range history {
		if e.To == job.StatusTimedOut {
			timedOut++
		}
	}
	if timedOut != 2 {
		t.Errorf("timed out transitions = %d, want 2 (history %v)", timedOut, statuses(history))
	}
}

func TestEndToEnd_CooperativeCancel(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	j, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeSleeper,
		Tenant:     "acme",
		Parameters: map[string]any{"duration": 30},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r.waitFor(t, j.ID, job.StatusRunning)
	if err := r.eng.Cancel(ctx, alice, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	done := r.waitFor(t, j.ID, job.StatusCanceled)
	if done.CanceledBy != "alice" {
		t.Errorf("canceled by = %q, want alice", done.CanceledBy)
	}
	if done.NextRetryAt != nil {
		t.Error("canceled job has a retry scheduled")
	}
}

func TestEndToEnd_CircuitOpensAndProbes(t *testing.T) {
	r := newRig(t, func(types *job.TypeRegistry) {
		types.MustRegister(&job.Type{
			Name:              samples.TypeFlaky,
			Enabled:           true,
			EnableBreaker:     true,
			BreakerThreshold:  0.5,
			BreakerMinSamples: 4,
			BreakerWindow:     time.Hour,
			BreakerCooldown:   200 * time.Millisecond,
		})
	})
	ctx := context.Background()

	// Outcomes are recorded before the failing job's own terminal
	// transition, so the breaker sees four settled failures during the
	// fifth execution and opens.
	for i := 0; i < 5; i++ {
		j, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
			Type:       samples.TypeFlaky,
			Tenant:     "acme",
			Parameters: map[string]any{"fail_type": "permanent", "n": i},
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		r.waitFor(t, j.ID, job.StatusDeadLetter)
	}

	// The next execution is refused without consuming a retry.
	rejected, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeFlaky,
		Tenant:     "acme",
		Parameters: map[string]any{"n": "rejected"},
	})
	if err != nil {
		t.Fatalf("submit rejected: %v", err)
	}
	done := r.waitFor(t, rejected.ID, job.StatusDeadLetter)
	if done.ErrorType != job.ErrorBreakerOpen {
		t.Errorf("error type = %q, want %q", done.ErrorType, job.ErrorBreakerOpen)
	}
	if done.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", done.RetryCount)
	}

	circuits, err := r.eng.OpenCircuits(ctx, root)
	if err != nil {
		t.Fatalf("open circuits: %v", err)
	}
	if len(circuits) != 1 {
		t.Fatalf("open circuits = %d, want 1", len(circuits))
	}

	// After the cooldown a successful probe closes the circuit.
	time.Sleep(250 * time.Millisecond)
	probe, err := r.eng.Submit(ctx, alice, engine.SubmitRequest{
		Type:       samples.TypeFlaky,
		Tenant:     "acme",
		Parameters: map[string]any{"n": "probe"},
	})
	if err != nil {
		t.Fatalf("submit probe: %v", err)
	}
	r.waitFor(t, probe.ID, job.StatusCompleted)

	circuits, err = r.eng.OpenCircuits(ctx, root)
	if err != nil {
		t.Fatalf("open circuits after probe: %v", err)
	}
	if len(circuits) != 0 {
		t.Fatalf("open circuits after probe = %d, want 0", len(circuits))
	}
}

func TestEndToEnd_TenantIsolation(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	first, err := r.eng.Submit(ctx, root, engine.SubmitRequest{
		Type:       samples.TypeEcho,
		Tenant:     "acme",
		Parameters: map[string]any{"k": 1},
	})
	if err != nil {
		t.Fatalf("submit acme: %v", err)
	}
	second, err := r.eng.Submit(ctx, root, engine.SubmitRequest{
		Type:       samples.TypeEcho,
		Tenant:     "globex",
		Parameters: map[string]any{"k": 1},
	})
	if err != nil {
		t.Fatalf("submit globex: identical payload in another tenant rejected: %v", err)
	}

	r.waitFor(t, first.ID, job.StatusCompleted)
	r.waitFor(t, second.ID, job.StatusCompleted)

	jobs, total, err := r.eng.List(ctx, root, job.Filter{Tenant: "acme"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Fatalf("list acme = %d jobs (total %d), want just %s", len(jobs), total, first.ID)
	}
}
