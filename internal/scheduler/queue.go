package scheduler

import (
	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/resources"
)

// effectiveLimits returns the per-user and global concurrency limits for
// the given sample, tightened when the system is above its degraded-mode
// thresholds. Degraded mode is re-evaluated per decision, never latched.
func (m *Manager) effectiveLimits(metrics resources.Metrics) (perUser, total int) {
	if m.degraded(metrics) {
		return m.cfg.DegradedMaxPerUser, m.cfg.DegradedMaxTotal
	}
	return m.cfg.MaxConcurrentPerUser, m.cfg.MaxConcurrentTotal
}

func (m *Manager) degraded(metrics resources.Metrics) bool {
	return metrics.CPUPercent > m.cfg.DegradedCPUThreshold ||
		metrics.MemoryPercent > m.cfg.DegradedMemoryThreshold
}

// runningCounts tallies running jobs for one user and system-wide.
func (m *Manager) runningCounts(username string) (user, total int) {
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		total++
		if j.Username == username {
			user++
		}
	}
	return user, total
}

// advanceQueue promotes queued jobs after a running slot frees up. The pass
// walks the FIFO in order: a job whose repository is locked by another job
// is skipped so one blocked repository cannot starve unrelated work, but a
// job blocked on concurrency limits stops the pass entirely since no later
// job can do better. Caller holds m.mu.
func (m *Manager) advanceQueue() {
	metrics := m.sampler.Sample()

	i := 0
	for i < len(m.queue) {
		id := m.queue[i]
		j, ok := m.jobs[id]
		if !ok || j.Status != job.StatusQueued {
			// Stale entry; drop it and stay at the same index.
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			continue
		}

		perUser, total := m.effectiveLimits(metrics)
		userRunning, totalRunning := m.runningCounts(j.Username)
		if userRunning >= perUser || totalRunning >= total {
			break
		}

		if j.NormalizedURL != "" {
			if holder, locked := m.locks[j.NormalizedURL]; locked && holder != id {
				i++ // fairness: skip the blocked repo, keep scanning
				continue
			}
		}

		now := m.now()
		j.Status = job.StatusRunning
		j.StartedAt = &now
		j.QueuePosition = 0
		j.EstimatedWaitMinutes = 0
		if j.NormalizedURL != "" {
			m.locks[j.NormalizedURL] = id
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
	}

	m.recomputeQueuePositions()
}

// removeFromQueue drops id from the FIFO. Caller holds m.mu.
func (m *Manager) removeFromQueue(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// recomputeQueuePositions reassigns the contiguous 1..N positions and wait
// estimates over exactly the currently queued jobs. Caller holds m.mu.
func (m *Manager) recomputeQueuePositions() {
	avg := m.cfg.AverageJobDuration.Minutes()
	for i, id := range m.queue {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		j.QueuePosition = i + 1
		j.EstimatedWaitMinutes = float64(i+1) * avg
	}
}
