package scheduler

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/resources"
	"github.com/quarrylabs/quarry/internal/snapshot"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond) // strictly monotonic
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	m       *Manager
	store   *snapshot.Store
	sampler *resources.Static
	clock   *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvAt(t, cfg, filepath.Join(t.TempDir(), "jobs.json"))
}

func newTestEnvAt(t *testing.T, cfg Config, path string) *testEnv {
	t.Helper()
	store, err := snapshot.New(snapshot.Options{Path: path})
	if err != nil {
		t.Fatalf("snapshot.New(): %v", err)
	}
	sampler := &resources.Static{Metrics: resources.Metrics{CPUPercent: 10, MemoryPercent: 20}}
	clock := newFakeClock()
	m, err := New(Opts{Config: cfg, Store: store, Sampler: sampler, Clock: clock.Now})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return &testEnv{m: m, store: store, sampler: sampler, clock: clock}
}

func TestCreateJob_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []struct {
		name            string
		username, alias string
		jobType         job.Type
	}{
		{"blank username", "  ", "Alice", job.TypeRepositorySync},
		{"blank alias", "alice", "\t", job.TypeRepositorySync},
		{"bad type", "alice", "Alice", "repository_delete"},
	}
	for _, tt := range tests {
		_, err := env.m.CreateJob(tt.username, tt.alias, tt.jobType, "")
		if !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: err = %v, want ErrInvalidParams", tt.name, err)
		}
	}
}

func TestCreateJob_RunsImmediatelyUnderLimits(t *testing.T) {
	env := newTestEnv(t, Config{})
	j, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "git@github.com:org/repo.git")
	if err != nil {
		t.Fatalf("CreateJob(): %v", err)
	}
	if j.Status != job.StatusRunning {
		t.Errorf("status = %s, want running", j.Status)
	}
	if j.StartedAt == nil {
		t.Error("started_at not set on immediate run")
	}
	if j.QueuePosition != 0 || j.QueuedAt != nil {
		t.Error("queue fields set on a running job")
	}
	if j.NormalizedURL != "https://github.com/org/repo" {
		t.Errorf("normalized URL = %q", j.NormalizedURL)
	}
	if j.CreatedAt.After(*j.StartedAt) {
		t.Error("created_at after started_at")
	}
}

func TestCreateJob_HardResourceLimitRejects(t *testing.T) {
	env := newTestEnv(t, Config{MaxCPUPercent: 90})
	env.sampler.Metrics = resources.Metrics{CPUPercent: 95, MemoryPercent: 10}
	_, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("err = %v, want ErrResourceLimit", err)
	}
}

// With a global limit of one, the second job queues at position 1 and is
// promoted when the first completes.
func TestQueueing_GlobalLimitAndPromotion(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5})

	first, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatalf("first CreateJob(): %v", err)
	}
	second, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatalf("second CreateJob(): %v", err)
	}
	if second.Status != job.StatusQueued {
		t.Fatalf("second status = %s, want queued", second.Status)
	}
	if second.QueuePosition != 1 {
		t.Errorf("second queue position = %d, want 1", second.QueuePosition)
	}
	if second.QueuedAt == nil {
		t.Error("queued_at not set")
	}

	if err := env.m.MarkCompleted(first.ID); err != nil {
		t.Fatalf("MarkCompleted(): %v", err)
	}

	promoted, _ := env.m.GetJob(second.ID)
	if promoted.Status != job.StatusRunning {
		t.Errorf("second job after completion = %s, want running", promoted.Status)
	}
	if st := env.m.GlobalQueueStatus(); st.Queued != 0 {
		t.Errorf("queue length = %d, want 0", st.Queued)
	}

	// Idempotence: a second completion is a state error, not a no-op.
	if err := env.m.MarkCompleted(first.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkCompleted err = %v, want ErrInvalidTransition", err)
	}
}

// An scp-style URL and an https URL of the same repository collide on the
// same lock.
func TestDuplicateRepositorySync(t *testing.T) {
	env := newTestEnv(t, Config{})
	first, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "git@host:org/repo.git")
	if err != nil {
		t.Fatalf("first CreateJob(): %v", err)
	}
	_, err = env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "https://host/org/repo")
	var dup *DuplicateSyncError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateSyncError", err)
	}
	if dup.HolderJobID != first.ID {
		t.Errorf("holder = %s, want %s", dup.HolderJobID, first.ID)
	}
	if dup.RepositoryURL != "https://host/org/repo" {
		t.Errorf("normalized URL in error = %q", dup.RepositoryURL)
	}

	// Releasing the lock clears the conflict.
	if err := env.m.MarkFailed(first.ID, "remote unreachable"); err != nil {
		t.Fatalf("MarkFailed(): %v", err)
	}
	if _, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "https://host/org/repo"); err != nil {
		t.Errorf("CreateJob after release: %v", err)
	}
}

// Above the degraded CPU threshold the tightened limits apply even though
// the normal limits would have admitted both jobs.
func TestDegradedMode_TightensLimits(t *testing.T) {
	env := newTestEnv(t, Config{
		MaxConcurrentTotal:   5,
		MaxConcurrentPerUser: 5,
		DegradedCPUThreshold: 70,
		DegradedMaxTotal:     1,
		DegradedMaxPerUser:   1,
		MaxCPUPercent:        90,
	})
	env.sampler.Metrics = resources.Metrics{CPUPercent: 80, MemoryPercent: 10}

	if !env.m.InDegradedMode() {
		t.Fatal("InDegradedMode() = false at 80% CPU with threshold 70")
	}

	first, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatalf("first CreateJob(): %v", err)
	}
	second, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatalf("second CreateJob(): %v", err)
	}
	if first.Status != job.StatusRunning {
		t.Errorf("first status = %s, want running", first.Status)
	}
	if second.Status != job.StatusQueued {
		t.Errorf("second status = %s, want queued under degraded limits", second.Status)
	}

	// Degraded mode is re-evaluated, not latched: once load drops, the
	// queued job promotes on the next advancement.
	env.sampler.Metrics = resources.Metrics{CPUPercent: 20, MemoryPercent: 10}
	if env.m.InDegradedMode() {
		t.Error("InDegradedMode() latched after load dropped")
	}
	env.m.MarkCompleted(first.ID)
	promoted, _ := env.m.GetJob(second.ID)
	if promoted.Status != job.StatusRunning {
		t.Errorf("second status after recovery = %s, want running", promoted.Status)
	}
}

func TestPerUserLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentPerUser: 1, MaxConcurrentTotal: 10})
	if _, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, ""); err != nil {
		t.Fatal(err)
	}
	second, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != job.StatusQueued {
		t.Errorf("same-user second job = %s, want queued", second.Status)
	}
	// A different user still has a free slot.
	other, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	if other.Status != job.StatusRunning {
		t.Errorf("other-user job = %s, want running", other.Status)
	}
}

func TestQueuePositions_ContiguousAfterRemoval(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5})
	if _, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, ""); err != nil {
		t.Fatal(err)
	}
	var queued []*job.SyncJob
	for i := 0; i < 3; i++ {
		j, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
		if err != nil {
			t.Fatal(err)
		}
		queued = append(queued, j)
	}

	// Cancel the middle one; positions must close up to 1..2.
	if err := env.m.CancelQueuedJob(queued[1].ID); err != nil {
		t.Fatalf("CancelQueuedJob(): %v", err)
	}
	st := env.m.GlobalQueueStatus()
	if len(st.Queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(st.Queue))
	}
	for i, e := range st.Queue {
		if e.Position != i+1 {
			t.Errorf("queue[%d].Position = %d, want %d", i, e.Position, i+1)
		}
	}
	if st.Queue[0].JobID != queued[0].ID || st.Queue[1].JobID != queued[2].ID {
		t.Error("queue order changed by removal")
	}
	if st.Queue[0].EstimatedWaitMinutes != 5 {
		t.Errorf("estimated wait at position 1 = %v, want 5 (1 × default 5m)", st.Queue[0].EstimatedWaitMinutes)
	}
}

// A queued job whose repository is locked is skipped so unrelated queued
// work behind it still promotes; the pass stops only on exhausted limits.
func TestAdvanceQueue_SkipsLockedRepository(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 2, MaxConcurrentPerUser: 5})

	blocker, err := env.m.CreateJob("ops", "Ops", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	filler, err := env.m.CreateJob("ops2", "Ops Two", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	if blocker.Status != job.StatusRunning || filler.Status != job.StatusRunning {
		t.Fatal("setup: expected both initial jobs running")
	}

	a, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "https://host/org/shared")
	b, _ := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "git@host:org/shared.git")
	c, _ := env.m.CreateJob("carol", "Carol", job.TypeRepositorySync, "https://host/org/other")
	for _, j := range []*job.SyncJob{a, b, c} {
		if j.Status != job.StatusQueued {
			t.Fatalf("setup: job %s = %s, want queued", j.ID, j.Status)
		}
	}

	// Free both slots: a promotes (locking shared), b is skipped (shared
	// still locked), c promotes into the second slot.
	if err := env.m.MarkCompleted(blocker.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.m.MarkCompleted(filler.ID); err != nil {
		t.Fatal(err)
	}

	ja, _ := env.m.GetJob(a.ID)
	jb, _ := env.m.GetJob(b.ID)
	jc, _ := env.m.GetJob(c.ID)
	if ja.Status != job.StatusRunning {
		t.Errorf("a = %s, want running", ja.Status)
	}
	if jb.Status != job.StatusQueued {
		t.Errorf("b = %s, want still queued behind the repo lock", jb.Status)
	}
	if jc.Status != job.StatusRunning {
		t.Errorf("c = %s, want running (skipped past b)", jc.Status)
	}
	if jb.QueuePosition != 1 {
		t.Errorf("b position = %d, want 1 after others promoted", jb.QueuePosition)
	}

	// When a finishes, b finally gets the repository.
	env.m.MarkCompleted(a.ID)
	jb, _ = env.m.GetJob(b.ID)
	if jb.Status != job.StatusRunning {
		t.Errorf("b after lock release = %s, want running", jb.Status)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5})
	running, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "https://host/org/repo")
	queued, _ := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")

	// Cancelling the running job releases its lock and promotes the queue.
	if err := env.m.CancelJob(running.ID); err != nil {
		t.Fatalf("CancelJob(running): %v", err)
	}
	got, _ := env.m.GetJob(running.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("cancelled status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped on cancel")
	}
	promoted, _ := env.m.GetJob(queued.ID)
	if promoted.Status != job.StatusRunning {
		t.Errorf("queued job after cancel = %s, want running", promoted.Status)
	}
	// The lock was released: same repo is admittable again.
	if _, err := env.m.CreateJob("carol", "Carol", job.TypeRepositorySync, "https://host/org/repo"); err != nil {
		t.Errorf("CreateJob after cancel released lock: %v", err)
	}

	// Terminal jobs cannot be cancelled again.
	if err := env.m.CancelJob(running.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel of terminal job err = %v, want ErrInvalidTransition", err)
	}
}

// Finish operations only apply to running jobs; a queued job can be
// promoted or cancelled, never completed, failed, or interrupted in place.
func TestFinishOps_RejectQueuedJob(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5})
	if _, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, ""); err != nil {
		t.Fatal(err)
	}
	queued, err := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != job.StatusQueued {
		t.Fatalf("setup: second job = %s, want queued", queued.Status)
	}

	if err := env.m.MarkCompleted(queued.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkCompleted(queued) err = %v, want ErrInvalidTransition", err)
	}
	if err := env.m.MarkFailed(queued.ID, "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed(queued) err = %v, want ErrInvalidTransition", err)
	}
	if err := env.m.MarkInterrupted(queued.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkInterrupted(queued) err = %v, want ErrInvalidTransition", err)
	}
	got, _ := env.m.GetJob(queued.ID)
	if got.Status != job.StatusQueued {
		t.Errorf("queued job mutated by rejected ops: %s", got.Status)
	}
}

func TestCancelQueuedJob_RejectsRunning(t *testing.T) {
	env := newTestEnv(t, Config{})
	running, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	err := env.m.CancelQueuedJob(running.ID)
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams (wrong API, not wrong state)", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	if _, err := env.m.GetJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestListJobs_NewestFirst(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 10, MaxConcurrentPerUser: 10})
	var ids []string
	for i := 0; i < 3; i++ {
		j, err := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	list := env.m.ListJobs()
	if len(list) != 3 {
		t.Fatalf("ListJobs() len = %d, want 3", len(list))
	}
	for i := 0; i < 3; i++ {
		if list[i].ID != ids[2-i] {
			t.Errorf("list[%d] = %s, want %s (created_at descending)", i, list[i].ID, ids[2-i])
		}
	}
	// Returned records are snapshots, not live references.
	list[0].Username = "mallory"
	reread, _ := env.m.GetJob(ids[2])
	if reread.Username != "alice" {
		t.Error("ListJobs leaked a live reference")
	}
}

func TestMarkInterrupted(t *testing.T) {
	env := newTestEnv(t, Config{})
	j, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "https://host/org/repo")
	if err := env.m.MarkInterrupted(j.ID); err != nil {
		t.Fatalf("MarkInterrupted(): %v", err)
	}
	got, _ := env.m.GetJob(j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.InterruptedAt == nil {
		t.Error("interrupted_at not set")
	}
	if err := env.m.MarkInterrupted(j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second interrupt err = %v, want ErrInvalidTransition", err)
	}
}

func TestPersistence_WriteThroughAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	env := newTestEnvAt(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5}, path)

	running, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "https://host/org/repo")
	queued, _ := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")

	// A second manager over the same store simulates a restart.
	env2 := newTestEnvAt(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5}, path)

	wasRunning, err := env2.m.GetJob(running.ID)
	if err != nil {
		t.Fatalf("GetJob after reload: %v", err)
	}
	if wasRunning.Status != job.StatusFailed {
		t.Errorf("running job after restart = %s, want failed (interrupted)", wasRunning.Status)
	}
	if wasRunning.InterruptedAt == nil {
		t.Error("interrupted_at not set on restart recovery")
	}
	if wasRunning.ErrorMessage != "interrupted by server restart" {
		t.Errorf("error message = %q", wasRunning.ErrorMessage)
	}

	// The restart freed every slot, so the re-queued job promotes during
	// startup recovery instead of waiting for a completion.
	wasQueued, _ := env2.m.GetJob(queued.ID)
	if wasQueued.Status != job.StatusRunning {
		t.Errorf("queued job after restart = %s, want running", wasQueued.Status)
	}

	// The crashed job's repository lock was not resurrected.
	if _, err := env2.m.CreateJob("carol", "Carol", job.TypeRepositorySync, "https://host/org/repo"); err != nil {
		t.Errorf("lock wrongly survived restart: %v", err)
	}
}

func TestOnTerminal_Listener(t *testing.T) {
	store, err := snapshot.New(snapshot.Options{Path: filepath.Join(t.TempDir(), "jobs.json")})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan job.SyncJob, 1)
	m, err := New(Opts{
		Store:      store,
		Sampler:    &resources.Static{},
		OnTerminal: func(j job.SyncJob) { events <- j },
	})
	if err != nil {
		t.Fatal(err)
	}
	j, _ := m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if err := m.MarkFailed(j.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-events:
		if got.ID != j.ID || got.Status != job.StatusFailed || got.ErrorMessage != "boom" {
			t.Errorf("terminal event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal listener never invoked")
	}
}

func TestPruneTerminal(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 10, MaxConcurrentPerUser: 10})
	done, _ := env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	env.m.MarkCompleted(done.ID)
	active, _ := env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")

	env.clock.Advance(48 * time.Hour)
	pruned := env.m.PruneTerminal(24 * time.Hour)
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, err := env.m.GetJob(done.ID); !errors.Is(err, ErrJobNotFound) {
		t.Error("terminal job survived pruning")
	}
	if _, err := env.m.GetJob(active.ID); err != nil {
		t.Error("active job was pruned")
	}
}

func TestResourceMetricsReport(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTotal: 1, MaxConcurrentPerUser: 5})
	env.m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	env.m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")

	r := env.m.ResourceMetrics()
	if r.RunningJobs != 1 || r.QueuedJobs != 1 {
		t.Errorf("report = %d running / %d queued, want 1/1", r.RunningJobs, r.QueuedJobs)
	}
	if r.CPUPercent != 10 {
		t.Errorf("CPUPercent = %v, want sampler value 10", r.CPUPercent)
	}
	if r.DegradedMode {
		t.Error("degraded at 10% CPU")
	}

	st := env.m.UserQueueStatus("bob")
	if st.Running != 0 || st.Queued != 1 {
		t.Errorf("bob status = %+v", st)
	}
	if len(st.Entries) != 1 || st.Entries[0].Position != 1 {
		t.Errorf("bob entries = %+v", st.Entries)
	}
}
