package maintenance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/resources"
	"github.com/quarrylabs/quarry/internal/scheduler"
	"github.com/quarrylabs/quarry/internal/snapshot"
)

func newTestSweeper(t *testing.T, retention time.Duration) (*Sweeper, *scheduler.Manager, *snapshot.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := snapshot.New(snapshot.Options{Path: filepath.Join(dir, "jobs.json")})
	if err != nil {
		t.Fatalf("snapshot.New(): %v", err)
	}
	m, err := scheduler.New(scheduler.Opts{Store: store, Sampler: &resources.Static{}})
	if err != nil {
		t.Fatalf("scheduler.New(): %v", err)
	}
	s, err := New(Opts{Manager: m, Store: store, JobRetention: retention})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return s, m, store, dir
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "manager is required") {
		t.Errorf("err = %v", err)
	}

	s, m, store, _ := newTestSweeper(t, time.Hour)
	_ = s
	if _, err := New(Opts{Manager: m, Store: store, Schedule: "not a schedule"}); err == nil {
		t.Error("expected error for bad schedule")
	}
	if _, err := New(Opts{Manager: m, Store: store, Schedule: "*/5 * * * *"}); err != nil {
		t.Errorf("five-field schedule rejected: %v", err)
	}
	if _, err := New(Opts{Manager: m, Store: store, Schedule: "@hourly"}); err != nil {
		t.Errorf("descriptor schedule rejected: %v", err)
	}
}

func TestSweep_RemovesStaleArtifacts(t *testing.T) {
	s, _, store, _ := newTestSweeper(t, time.Hour)

	tmp := store.Path() + ".tmp"
	if err := os.WriteFile(tmp, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(tmp, old, old); err != nil {
		t.Fatal(err)
	}

	s.Sweep()

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("stale tmp artifact survived the sweep")
	}
}

func TestSweep_LeavesFreshArtifacts(t *testing.T) {
	s, _, store, _ := newTestSweeper(t, time.Hour)

	tmp := store.Path() + ".tmp"
	if err := os.WriteFile(tmp, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Sweep()

	if _, err := os.Stat(tmp); err != nil {
		t.Error("fresh tmp artifact removed; a live writer may own it")
	}
}

func TestSweep_ExpiresTerminalJobs(t *testing.T) {
	// Zero is replaced with the default; use a tiny retention instead.
	s, m, _, _ := newTestSweeper(t, time.Millisecond)

	done, err := m.CreateJob("alice", "Alice", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkCompleted(done.ID); err != nil {
		t.Fatal(err)
	}
	active, err := m.CreateJob("bob", "Bob", job.TypeRepositorySync, "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	s.Sweep()

	if _, err := m.GetJob(done.ID); err == nil {
		t.Error("expired terminal job survived the sweep")
	}
	if _, err := m.GetJob(active.ID); err != nil {
		t.Error("active job was expired")
	}
}

func TestStartStop(t *testing.T) {
	s, _, _, _ := newTestSweeper(t, time.Hour)
	s.Start()
	s.Stop() // must not hang
}
