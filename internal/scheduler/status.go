package scheduler

import (
	"sort"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/resources"
)

// QueueEntry is one queued job's public position info.
type QueueEntry struct {
	JobID                string  `json:"job_id"`
	Username             string  `json:"username"`
	Position             int     `json:"position"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
}

// UserQueueStatus summarizes one user's jobs.
type UserQueueStatus struct {
	Username string       `json:"username"`
	Running  int          `json:"running"`
	Queued   int          `json:"queued"`
	Entries  []QueueEntry `json:"entries,omitempty"`
}

// GlobalQueueStatus summarizes the whole scheduler.
type GlobalQueueStatus struct {
	Running      int          `json:"running"`
	Queued       int          `json:"queued"`
	Queue        []QueueEntry `json:"queue,omitempty"`
	DegradedMode bool         `json:"degraded_mode"`
}

// MetricsReport is the resource view exposed to operators.
type MetricsReport struct {
	resources.Metrics
	RunningJobs  int  `json:"running_jobs"`
	QueuedJobs   int  `json:"queued_jobs"`
	DegradedMode bool `json:"degraded_mode"`
}

// UserQueueStatus reports running/queued counts and queue entries for one
// user.
func (m *Manager) UserQueueStatus(username string) UserQueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := UserQueueStatus{Username: username}
	for _, j := range m.jobs {
		if j.Username != username {
			continue
		}
		switch j.Status {
		case job.StatusRunning:
			st.Running++
		case job.StatusQueued:
			st.Queued++
			st.Entries = append(st.Entries, queueEntry(j))
		}
	}
	sortEntries(st.Entries)
	return st
}

// GlobalQueueStatus reports system-wide counts and the full queue in
// position order.
func (m *Manager) GlobalQueueStatus() GlobalQueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := GlobalQueueStatus{DegradedMode: m.degraded(m.sampler.Sample())}
	for _, id := range m.queue {
		if j, ok := m.jobs[id]; ok && j.Status == job.StatusQueued {
			st.Queue = append(st.Queue, queueEntry(j))
		}
	}
	st.Queued = len(st.Queue)
	for _, j := range m.jobs {
		if j.Status == job.StatusRunning {
			st.Running++
		}
	}
	return st
}

// ResourceMetrics returns the current (cached) sample together with job
// counts and the degraded flag.
func (m *Manager) ResourceMetrics() MetricsReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample := m.sampler.Sample()
	r := MetricsReport{Metrics: sample, DegradedMode: m.degraded(sample)}
	for _, j := range m.jobs {
		switch j.Status {
		case job.StatusRunning:
			r.RunningJobs++
		case job.StatusQueued:
			r.QueuedJobs++
		}
	}
	return r
}

// InDegradedMode reports whether the current sample is above a degraded
// threshold.
func (m *Manager) InDegradedMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded(m.sampler.Sample())
}

// PruneTerminal removes terminal jobs whose completion is older than
// maxAge, persisting when anything was dropped. Used by the maintenance
// sweep; active jobs are never pruned.
func (m *Manager) PruneTerminal(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	pruned := 0
	for id, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			pruned++
		}
	}
	if pruned > 0 {
		m.persistLocked("prune terminal jobs")
	}
	return pruned
}

func queueEntry(j *job.SyncJob) QueueEntry {
	return QueueEntry{
		JobID:                j.ID,
		Username:             j.Username,
		Position:             j.QueuePosition,
		EstimatedWaitMinutes: j.EstimatedWaitMinutes,
	}
}

func sortEntries(entries []QueueEntry) {
	sort.Slice(entries, func(i, k int) bool { return entries[i].Position < entries[k].Position })
}
