package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/store/memory"
)

func newJob(t *testing.T, jobType, tenant string, params map[string]any) *job.Job {
	t.Helper()
	hash, err := job.Hash(jobType, tenant, params)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	now := time.Now()
	return &job.Job{
		ID:         id.NewJobID(),
		Type:       jobType,
		Tenant:     tenant,
		Owner:      "alice",
		Priority:   job.PriorityNormal,
		Status:     job.StatusPending,
		Parameters: params,
		Hash:       hash,
		MaxRetries: 5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func create(t *testing.T, s *memory.Store, j *job.Job) {
	t.Helper()
	entry := &job.LogEntry{
		ID: id.NewLogID(), JobID: j.ID, To: j.Status,
		Timestamp: j.CreatedAt, Actor: j.Owner, Message: job.CreationMessage,
	}
	if err := s.CreateDeduplicated(context.Background(), j, entry, 0); err != nil {
		t.Fatalf("create error: %v", err)
	}
}

func TestCreateDeduplicated_RejectsActiveDuplicate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	create(t, s, first)

	dup := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	err := s.CreateDeduplicated(ctx, dup, nil, 5*time.Minute)
	if !errors.Is(err, conveyor.ErrDuplicateJob) {
		t.Fatalf("error = %v, want ErrDuplicateJob", err)
	}

	var dupErr *conveyor.DuplicateError
	if !errors.As(err, &dupErr) {
		t.Fatal("error should carry the existing job")
	}
	if dupErr.JobID != first.ID.String() {
		t.Errorf("duplicate points at %s, want %s", dupErr.JobID, first.ID)
	}
}

func TestCreateDeduplicated_TerminalNeverBlocks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	done := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	done.Status = job.StatusCompleted
	create(t, s, done)

	// Same hash, terminal original, created moments ago: allowed.
	fresh := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	if err := s.CreateDeduplicated(ctx, fresh, nil, time.Hour); err != nil {
		t.Fatalf("completed duplicate inside window blocked resubmission: %v", err)
	}
}

func TestCreateDeduplicated_WindowExpiry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	stale := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	stale.Status = job.StatusFailed
	stale.CreatedAt = time.Now().Add(-10 * time.Minute)
	create(t, s, stale)

	// Same hash, still non-terminal, but created before the window
	// opened: allowed.
	fresh := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	if err := s.CreateDeduplicated(ctx, fresh, nil, 5*time.Minute); err != nil {
		t.Fatalf("expected success outside window, got %v", err)
	}

	// The fresh row is non-terminal and inside any wider window.
	again := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	err := s.CreateDeduplicated(ctx, again, nil, time.Hour)
	if !errors.Is(err, conveyor.ErrDuplicateJob) {
		t.Fatalf("error = %v, want ErrDuplicateJob inside window", err)
	}
}

func TestCreateDeduplicated_ZeroWindowDisablesDedup(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	create(t, s, first)

	dup := newJob(t, "send_email", "acme", map[string]any{"to": "x"})
	if err := s.CreateDeduplicated(ctx, dup, nil, 0); err != nil {
		t.Fatalf("zero window should disable dedup, got %v", err)
	}
}

func TestGetUpdateDelete(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob(t, "export", "acme", nil)
	create(t, s, j)

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Type != "export" {
		t.Errorf("type = %q", got.Type)
	}

	// Returned copy does not alias the stored job.
	got.Owner = "mallory"
	fresh, _ := s.Get(ctx, j.ID)
	if fresh.Owner != "alice" {
		t.Error("stored job mutated through returned copy")
	}

	got.Status = job.StatusQueued
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("update error: %v", err)
	}
	status, _ := s.GetStatus(ctx, j.ID)
	if status != job.StatusQueued {
		t.Errorf("status = %s", status)
	}

	if err := s.Delete(ctx, j.ID); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := s.Get(ctx, j.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestWithLock_PersistsMutationAndEntry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob(t, "export", "acme", nil)
	create(t, s, j)

	err := s.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		return job.Transition(cur, job.StatusQueued, "system", "", time.Now())
	})
	if err != nil {
		t.Fatalf("with lock error: %v", err)
	}

	status, _ := s.GetStatus(ctx, j.ID)
	if status != job.StatusQueued {
		t.Errorf("status = %s, want Queued", status)
	}

	history, _ := s.History(ctx, j.ID)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].To != job.StatusQueued {
		t.Errorf("last entry = %+v", history[1])
	}
}

func TestWithLock_ErrorAbortsWithoutPersisting(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob(t, "export", "acme", nil)
	create(t, s, j)

	boom := errors.New("nope")
	err := s.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		cur.Status = job.StatusQueued
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	status, _ := s.GetStatus(ctx, j.ID)
	if status != job.StatusPending {
		t.Errorf("status = %s, mutation should not persist", status)
	}
}

func TestSetProgress_OnlyWhileRunning(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob(t, "export", "acme", nil)
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now().Add(-time.Hour)
	create(t, s, j)

	if err := s.SetProgress(ctx, j.ID, 40, "working"); err != nil {
		t.Fatalf("set progress error: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Progress != 40 || got.ProgressMessage != "working" {
		t.Errorf("progress = %d %q", got.Progress, got.ProgressMessage)
	}
	if !got.UpdatedAt.Equal(j.UpdatedAt) {
		t.Error("SetProgress must not bump UpdatedAt")
	}

	// After finalization, late writes are dropped.
	got.Status = job.StatusCompleted
	_ = s.Update(ctx, got)
	if err := s.SetProgress(ctx, j.ID, 99, "late"); err != nil {
		t.Fatalf("late set progress error: %v", err)
	}
	final, _ := s.Get(ctx, j.ID)
	if final.Progress != 40 {
		t.Errorf("progress = %d, late write should be dropped", final.Progress)
	}
}

func TestList_FiltersAndPaginates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i := range 5 {
		j := newJob(t, "export", "acme", map[string]any{"n": i})
		j.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		create(t, s, j)
	}
	other := newJob(t, "export", "globex", map[string]any{"n": 99})
	create(t, s, other)

	jobs, total, err := s.List(ctx, job.Filter{Tenant: "acme", Limit: 2})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("page size = %d, want 2", len(jobs))
	}
	if jobs[0].CreatedAt.Before(jobs[1].CreatedAt) {
		t.Error("expected creation time descending")
	}

	// Empty non-nil tenant set matches nothing.
	none, total, _ := s.List(ctx, job.Filter{Tenants: []string{}})
	if len(none) != 0 || total != 0 {
		t.Errorf("empty tenant set returned %d jobs", len(none))
	}

	// Nil tenant set means all.
	_, total, _ = s.List(ctx, job.Filter{})
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}
}

func TestDueRetries(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	due := newJob(t, "a", "acme", map[string]any{"k": 1})
	due.Status = job.StatusFailed
	past := now.Add(-time.Minute)
	due.NextRetryAt = &past
	create(t, s, due)

	notYet := newJob(t, "a", "acme", map[string]any{"k": 2})
	notYet.Status = job.StatusTimedOut
	future := now.Add(time.Hour)
	notYet.NextRetryAt = &future
	create(t, s, notYet)

	noRetry := newJob(t, "a", "acme", map[string]any{"k": 3})
	noRetry.Status = job.StatusFailed
	create(t, s, noRetry)

	got, err := s.DueRetries(ctx, now, 100)
	if err != nil {
		t.Fatalf("due retries error: %v", err)
	}
	if len(got) != 1 || got[0].ID.String() != due.ID.String() {
		t.Errorf("due = %v", got)
	}
}

func TestReadyDependents(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	parent := newJob(t, "parent", "acme", map[string]any{"k": 1})
	parent.Status = job.StatusCompleted
	create(t, s, parent)

	child := newJob(t, "child", "acme", map[string]any{"k": 2})
	child.Status = job.StatusQueued
	child.DependsOn = parent.ID
	past := now.Add(-time.Second)
	child.NextRetryAt = &past
	create(t, s, child)

	pendingParent := newJob(t, "parent", "acme", map[string]any{"k": 3})
	pendingParent.Status = job.StatusRunning
	create(t, s, pendingParent)

	waiting := newJob(t, "child", "acme", map[string]any{"k": 4})
	waiting.Status = job.StatusQueued
	waiting.DependsOn = pendingParent.ID
	waiting.NextRetryAt = &past
	create(t, s, waiting)

	ready, err := s.ReadyDependents(ctx, now, 100)
	if err != nil {
		t.Fatalf("ready dependents error: %v", err)
	}
	if len(ready) != 1 || ready[0].ID.String() != child.ID.String() {
		t.Errorf("ready = %v", ready)
	}
}

func TestTerminalBefore(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	old := newJob(t, "a", "acme", map[string]any{"k": 1})
	old.Status = job.StatusCompleted
	past := now.Add(-40 * 24 * time.Hour)
	old.CompletedAt = &past
	create(t, s, old)

	recent := newJob(t, "a", "acme", map[string]any{"k": 2})
	recent.Status = job.StatusCompleted
	recentDone := now.Add(-time.Hour)
	recent.CompletedAt = &recentDone
	create(t, s, recent)

	active := newJob(t, "a", "acme", map[string]any{"k": 3})
	active.Status = job.StatusRunning
	create(t, s, active)

	ids, err := s.TerminalBefore(ctx, now.Add(-30*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("terminal before error: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != old.ID.String() {
		t.Errorf("ids = %v", ids)
	}
}

func TestMetricsQueries(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	mk := func(n int, status job.Status, tenant string) {
		j := newJob(t, "export", tenant, map[string]any{"n": n, "s": string(status)})
		j.Status = status
		j.UpdatedAt = now
		if status == job.StatusCompleted {
			started := now.Add(-time.Duration(n) * time.Second)
			j.StartedAt = &started
			j.CompletedAt = &now
		}
		create(t, s, j)
	}

	mk(1, job.StatusCompleted, "acme")
	mk(2, job.StatusCompleted, "acme")
	mk(3, job.StatusFailed, "acme")
	mk(4, job.StatusQueued, "acme")
	mk(5, job.StatusCompleted, "globex")

	counts, _ := s.CountByStatus(ctx, []string{"acme"})
	if counts[job.StatusCompleted] != 2 || counts[job.StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	depth, _ := s.QueueDepthByPriority(ctx, []string{"acme"})
	if depth[job.PriorityNormal] != 1 {
		t.Errorf("depth = %v", depth)
	}

	durations, _ := s.CompletedDurations(ctx, []string{"acme"}, now.Add(-time.Hour))
	if len(durations) != 2 {
		t.Fatalf("durations = %v", durations)
	}
	if durations[0] > durations[1] {
		t.Error("durations should be sorted ascending")
	}

	rates, _ := s.FailureRatesByType(ctx, []string{"acme"}, now.Add(-time.Hour))
	if got := rates["export"]; got < 0.32 || got > 0.34 {
		t.Errorf("failure rate = %v, want 1/3", got)
	}

	stats, _ := s.Outcomes(ctx, "export", "acme", now.Add(-time.Hour))
	if stats.Total != 3 || stats.Failed != 1 {
		t.Errorf("outcomes = %+v", stats)
	}
}

func TestCountRecentByOwner(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	recent := newJob(t, "export", "acme", map[string]any{"k": 1})
	create(t, s, recent)

	old := newJob(t, "export", "acme", map[string]any{"k": 2})
	old.CreatedAt = now.Add(-time.Hour)
	create(t, s, old)

	n, err := s.CountRecentByOwner(ctx, "export", "alice", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
