// Package scheduler owns the job table: admission control, queueing,
// repository locks, phase transitions, and write-through persistence.
package scheduler

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/phase"
	"github.com/quarrylabs/quarry/internal/repourl"
	"github.com/quarrylabs/quarry/internal/resources"
	"github.com/quarrylabs/quarry/internal/snapshot"
)

// Config holds the scheduler's admission and queueing limits.
type Config struct {
	MaxConcurrentPerUser int
	MaxConcurrentTotal   int

	// Hard rejection thresholds: a create attempt above these fails
	// outright instead of queueing.
	MaxCPUPercent    float64
	MaxMemoryPercent float64

	// Degraded-mode thresholds and the tightened limits applied while the
	// system is above them.
	DegradedCPUThreshold    float64
	DegradedMemoryThreshold float64
	DegradedMaxPerUser      int
	DegradedMaxTotal        int

	AverageJobDuration time.Duration
}

// withDefaults fills unset limits.
func (c *Config) withDefaults() {
	if c.MaxConcurrentPerUser <= 0 {
		c.MaxConcurrentPerUser = 2
	}
	if c.MaxConcurrentTotal <= 0 {
		c.MaxConcurrentTotal = 5
	}
	if c.MaxCPUPercent <= 0 {
		c.MaxCPUPercent = 90
	}
	if c.MaxMemoryPercent <= 0 {
		c.MaxMemoryPercent = 90
	}
	if c.DegradedCPUThreshold <= 0 {
		c.DegradedCPUThreshold = 70
	}
	if c.DegradedMemoryThreshold <= 0 {
		c.DegradedMemoryThreshold = 75
	}
	if c.DegradedMaxPerUser <= 0 {
		c.DegradedMaxPerUser = 1
	}
	if c.DegradedMaxTotal <= 0 {
		c.DegradedMaxTotal = 2
	}
	if c.AverageJobDuration <= 0 {
		c.AverageJobDuration = 5 * time.Minute
	}
}

// Manager is the sole owner of the job table. Every public operation runs
// under one coarse mutex, including the synchronous persistence write, so
// no operation returns before its effect is durable (or its durability
// failure is logged).
type Manager struct {
	mu sync.Mutex

	cfg      Config
	jobs     map[string]*job.SyncJob
	queue    []string                  // FIFO of queued job IDs
	locks    map[string]string         // normalized repo URL → holder job ID
	trackers map[string]*phase.Tracker // phase-aware jobs only

	store   *snapshot.Store
	sampler resources.Sampler
	now     func() time.Time

	onTerminal func(job.SyncJob) // optional listener, called outside the lock

	persistErr error // last write failure, cleared on success
}

// Opts configures a Manager.
type Opts struct {
	Config  Config
	Store   *snapshot.Store
	Sampler resources.Sampler
	Clock   func() time.Time // tests override; defaults to time.Now

	// OnTerminal is invoked with a snapshot copy of every job that reaches
	// a terminal state. Called outside the table lock; must not call back
	// into mutating operations synchronously from a scheduler goroutine.
	OnTerminal func(job.SyncJob)
}

// New builds a Manager, loads the persisted table, and reconciles jobs that
// were in flight when the previous process died: running (and pending) jobs
// are failed as interrupted, queued jobs re-enter the queue in queued_at
// order. Repository locks are not resurrected for interrupted jobs.
func New(opts Opts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Sampler == nil {
		return nil, fmt.Errorf("scheduler: sampler is required")
	}
	cfg := opts.Config
	cfg.withDefaults()
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		cfg:        cfg,
		jobs:       map[string]*job.SyncJob{},
		locks:      map[string]string{},
		trackers:   map[string]*phase.Tracker{},
		store:      opts.Store,
		sampler:    opts.Sampler,
		now:        now,
		onTerminal: opts.OnTerminal,
	}

	loaded, report, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("scheduler: load snapshot: %w", err)
	}
	if report.SkippedRecords > 0 {
		log.Printf("scheduler: skipped %d invalid persisted record(s)", report.SkippedRecords)
	}
	m.jobs = loaded
	m.recoverLoaded()
	return m, nil
}

// recoverLoaded reconciles the freshly loaded table. Called from New only.
func (m *Manager) recoverLoaded() {
	changed := false
	var queued []*job.SyncJob

	for _, j := range m.jobs {
		switch j.Status {
		case job.StatusRunning, job.StatusPending:
			ts := m.now()
			j.Status = job.StatusFailed
			j.ErrorMessage = "interrupted by server restart"
			j.InterruptedAt = &ts
			j.CompletedAt = &ts
			changed = true
		case job.StatusQueued:
			queued = append(queued, j)
		}
		if j.PhaseAware() && !j.Status.Terminal() {
			tr, err := phase.Restore(j.PhaseOrder, j.PhaseWeights, j.Phases)
			if err != nil {
				log.Printf("scheduler: cannot restore phase tracker for job %s: %v", j.ID, err)
				continue
			}
			m.trackers[j.ID] = tr
		}
	}

	sort.Slice(queued, func(i, k int) bool {
		a, b := queued[i].QueuedAt, queued[k].QueuedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	for _, j := range queued {
		m.queue = append(m.queue, j.ID)
	}
	m.recomputeQueuePositions()

	// Every slot is free after a restart; without an advancement pass the
	// re-queued jobs would wait forever for a completion that cannot come.
	before := len(m.queue)
	m.advanceQueue()

	if changed || len(m.queue) != before {
		m.persistLocked("startup recovery")
	}
}

// CreateJob admits a new job: it runs immediately when per-user and global
// limits allow, queues otherwise, and is rejected outright when the system
// is over its hard resource limits or the repository is already locked.
func (m *Manager) CreateJob(username, userAlias string, jobType job.Type, repositoryURL string) (*job.SyncJob, error) {
	return m.createJob(username, userAlias, jobType, repositoryURL, nil, nil)
}

// CreateJobWithPhases is CreateJob plus a declared phase order and weight
// map, fixed for the job's lifetime. Weight-map violations are construction
// errors surfaced as invalid parameters.
func (m *Manager) CreateJobWithPhases(username, userAlias string, jobType job.Type, repositoryURL string, phases []string, weights map[string]float64) (*job.SyncJob, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("%w: phase list is empty", ErrInvalidParams)
	}
	return m.createJob(username, userAlias, jobType, repositoryURL, phases, weights)
}

func (m *Manager) createJob(username, userAlias string, jobType job.Type, repositoryURL string, phases []string, weights map[string]float64) (*job.SyncJob, error) {
	username = strings.TrimSpace(username)
	userAlias = strings.TrimSpace(userAlias)
	if username == "" {
		return nil, fmt.Errorf("%w: username is blank", ErrInvalidParams)
	}
	if userAlias == "" {
		return nil, fmt.Errorf("%w: user alias is blank", ErrInvalidParams)
	}
	if !job.ValidType(jobType) {
		return nil, fmt.Errorf("%w: unrecognized job type %q", ErrInvalidParams, jobType)
	}

	var tracker *phase.Tracker
	if len(phases) > 0 {
		tr, err := phase.New(phases, weights)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		tracker = tr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.sampler.Sample()
	if metrics.CPUPercent > m.cfg.MaxCPUPercent || metrics.MemoryPercent > m.cfg.MaxMemoryPercent {
		return nil, fmt.Errorf("%w: cpu %.1f%%, memory %.1f%%", ErrResourceLimit, metrics.CPUPercent, metrics.MemoryPercent)
	}

	normalized := repourl.Normalize(repositoryURL)
	if normalized != "" {
		if holder, locked := m.locks[normalized]; locked {
			return nil, &DuplicateSyncError{RepositoryURL: normalized, HolderJobID: holder}
		}
	}

	perUser, total := m.effectiveLimits(metrics)
	userRunning, totalRunning := m.runningCounts(username)

	id := job.NewID()
	if _, exists := m.jobs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
	}

	now := m.now()
	j := &job.SyncJob{
		ID:            id,
		Username:      username,
		UserAlias:     userAlias,
		Type:          jobType,
		CreatedAt:     now,
		RepositoryURL: repositoryURL,
		NormalizedURL: normalized,
	}
	if tracker != nil {
		j.PhaseOrder = tracker.Order()
		j.PhaseWeights = tracker.Weights()
		j.Phases = tracker.Phases()
		m.trackers[id] = tracker
	}

	if userRunning < perUser && totalRunning < total {
		j.Status = job.StatusRunning
		j.StartedAt = &now
		if normalized != "" {
			m.locks[normalized] = id
		}
	} else {
		j.Status = job.StatusQueued
		j.QueuedAt = &now
		m.queue = append(m.queue, id)
	}

	m.jobs[id] = j
	m.recomputeQueuePositions()
	m.persistLocked("create job")
	return j.Clone(), nil
}

// GetJob returns a snapshot copy of one job.
func (m *Manager) GetJob(id string) (*job.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

// ListJobs returns snapshot copies of every job, newest first.
func (m *Manager) ListJobs() []*job.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.SyncJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// MarkCompleted finishes a running job successfully.
func (m *Manager) MarkCompleted(id string) error {
	return m.finishJob(id, job.StatusCompleted, "")
}

// MarkFailed finishes a running job with an error message.
func (m *Manager) MarkFailed(id, errorMessage string) error {
	return m.finishJob(id, job.StatusFailed, errorMessage)
}

// MarkInterrupted fails a running job as externally interrupted, stamping
// interrupted_at.
func (m *Manager) MarkInterrupted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.CanTransition(j.Status, job.StatusFailed) {
		return fmt.Errorf("%w: cannot interrupt job in state %s", ErrInvalidTransition, j.Status)
	}
	ts := m.now()
	j.InterruptedAt = &ts
	m.terminateLocked(j, job.StatusFailed, "job interrupted")
	m.persistLocked("interrupt job")
	return nil
}

func (m *Manager) finishJob(id string, status job.Status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: cannot mark %s job %s from state %s", ErrInvalidTransition, status, id, j.Status)
	}
	m.terminateLocked(j, status, errorMessage)
	m.persistLocked("finish job")
	return nil
}

// CancelJob cancels a queued or running job. Cancelling running work only
// flips scheduler state; stopping the external worker is its own problem.
func (m *Manager) CancelJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.CanTransition(j.Status, job.StatusCancelled) {
		return fmt.Errorf("%w: cannot cancel job in state %s", ErrInvalidTransition, j.Status)
	}
	if j.Status == job.StatusQueued {
		m.removeFromQueue(id)
	}
	m.terminateLocked(j, job.StatusCancelled, "")
	m.persistLocked("cancel job")
	return nil
}

// CancelQueuedJob cancels a job only if it is still queued. A running job
// is rejected as a parameter error, distinguishing "wrong API used" from
// "wrong state".
func (m *Manager) CancelQueuedJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != job.StatusQueued {
		return fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidParams, id, j.Status)
	}
	m.removeFromQueue(id)
	m.terminateLocked(j, job.StatusCancelled, "")
	m.persistLocked("cancel queued job")
	return nil
}

// terminateLocked applies a terminal transition: release the repository
// lock, stamp completed_at, close up the queue, and notify the listener.
// Caller holds m.mu and has validated the transition.
func (m *Manager) terminateLocked(j *job.SyncJob, status job.Status, errorMessage string) {
	wasRunning := j.Status == job.StatusRunning
	ts := m.now()
	j.Status = status
	j.CompletedAt = &ts
	j.QueuePosition = 0
	j.EstimatedWaitMinutes = 0
	if errorMessage != "" {
		j.ErrorMessage = errorMessage
	}
	if status == job.StatusCompleted {
		j.Progress = 100
	}
	delete(m.trackers, j.ID)

	if wasRunning {
		if j.NormalizedURL != "" && m.locks[j.NormalizedURL] == j.ID {
			delete(m.locks, j.NormalizedURL)
		}
		m.advanceQueue()
	} else {
		// A queued job left the queue; the jobs behind it move up.
		m.recomputeQueuePositions()
	}
	m.notifyTerminal(j)
}

// notifyTerminal hands a snapshot copy to the terminal listener without
// holding it inside persistence work.
func (m *Manager) notifyTerminal(j *job.SyncJob) {
	if m.onTerminal == nil {
		return
	}
	cp := *j.Clone()
	go m.onTerminal(cp)
}

// persistLocked writes the table through the snapshot store. The in-memory
// mutation has already committed; a write failure puts durability at risk
// but does not roll the operation back, so it is logged and remembered
// rather than returned.
func (m *Manager) persistLocked(op string) {
	if err := m.store.Write(m.jobs); err != nil {
		log.Printf("scheduler: persist after %s: %v", op, err)
		m.persistErr = err
		return
	}
	m.persistErr = nil
}

// Flush re-attempts a snapshot write and returns its result; callers use it
// to verify durability after a logged persistence failure.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Write(m.jobs); err != nil {
		m.persistErr = err
		return err
	}
	m.persistErr = nil
	return nil
}

// LastPersistError reports the most recent snapshot write failure, or nil.
func (m *Manager) LastPersistError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistErr
}
