package scheduler

import (
	"fmt"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/phase"
)

// PhaseUpdate carries the optional detail fields of a progress report.
type PhaseUpdate struct {
	CurrentFile    string
	FilesProcessed int
	TotalFiles     int
	Metrics        map[string]any
}

// StartPhase moves the named phase of a running job to running and makes it
// the job's current phase.
func (m *Manager) StartPhase(id, phaseName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, tr, err := m.phaseJob(id)
	if err != nil {
		return err
	}
	if err := tr.Start(phaseName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	m.syncPhaseState(j, tr)
	m.persistLocked("start phase")
	return nil
}

// UpdatePhaseProgress records progress on the named phase, refreshes the
// weighted overall progress, and appends to the job's progress history.
func (m *Manager) UpdatePhaseProgress(id, phaseName string, progress float64, upd PhaseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, tr, err := m.phaseJob(id)
	if err != nil {
		return err
	}
	if err := tr.Update(phaseName, progress, upd.CurrentFile, upd.FilesProcessed, upd.TotalFiles, upd.Metrics); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	m.syncPhaseState(j, tr)
	j.ProgressHistory = append(j.ProgressHistory, job.ProgressSnapshot{
		Timestamp:       m.now(),
		Phase:           phaseName,
		PhaseProgress:   j.Phases[phaseName].Progress,
		OverallProgress: j.OverallProgress,
	})
	m.persistLocked("update phase progress")
	return nil
}

// CompletePhase finishes the named phase and advances to the next pending
// one; when none remain and none failed, the whole job completes.
func (m *Manager) CompletePhase(id, phaseName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, tr, err := m.phaseJob(id)
	if err != nil {
		return err
	}
	if err := tr.Complete(phaseName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	m.syncPhaseState(j, tr)
	m.advanceToNextPhase(j, tr)
	m.persistLocked("complete phase")
	return nil
}

// FailPhase fails the named phase and immediately fails the whole job with
// a composed message. It never advances to the next phase.
func (m *Manager) FailPhase(id, phaseName, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, tr, err := m.phaseJob(id)
	if err != nil {
		return err
	}
	if err := tr.Fail(phaseName, errorMessage); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	m.syncPhaseState(j, tr)
	m.terminateLocked(j, job.StatusFailed, fmt.Sprintf("phase %s failed: %s", phaseName, errorMessage))
	m.persistLocked("fail phase")
	return nil
}

// SkipPhase marks the named phase skipped (counting as complete for
// weighting) and advances past it.
func (m *Manager) SkipPhase(id, phaseName, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, tr, err := m.phaseJob(id)
	if err != nil {
		return err
	}
	if err := tr.Skip(phaseName, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	m.syncPhaseState(j, tr)
	m.advanceToNextPhase(j, tr)
	m.persistLocked("skip phase")
	return nil
}

// PhaseSummary returns a read-only snapshot of a phase-aware job's tracker.
func (m *Manager) PhaseSummary(id string) (phase.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, tr, err := m.phaseJob(id)
	if err != nil {
		return phase.Summary{}, err
	}
	return tr.Summary(), nil
}

// phaseJob resolves a job and its tracker, enforcing that phase operations
// only apply to running, phase-aware jobs. Caller holds m.mu.
func (m *Manager) phaseJob(id string) (*job.SyncJob, *phase.Tracker, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !j.PhaseAware() {
		return nil, nil, fmt.Errorf("%w: job %s has no declared phases", ErrInvalidParams, id)
	}
	if j.Status != job.StatusRunning {
		return nil, nil, fmt.Errorf("%w: job %s is %s, phase operations require running", ErrInvalidTransition, id, j.Status)
	}
	tr, ok := m.trackers[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: job %s has no phase tracker", ErrInvalidParams, id)
	}
	return j, tr, nil
}

// syncPhaseState mirrors tracker-derived fields onto the job record.
func (m *Manager) syncPhaseState(j *job.SyncJob, tr *phase.Tracker) {
	j.CurrentPhase = tr.Current()
	j.OverallProgress = tr.Overall()
	j.Progress = j.OverallProgress // legacy single-number view
}

// advanceToNextPhase completes the job once every phase has settled without
// failure. The next pending phase is left for the worker to start.
func (m *Manager) advanceToNextPhase(j *job.SyncJob, tr *phase.Tracker) {
	if tr.NextPending() != "" || tr.AnyFailed() {
		return
	}
	m.terminateLocked(j, job.StatusCompleted, "")
}

// CreateCheckpoint stores (overwriting) the job's single recovery
// checkpoint.
func (m *Manager) CreateCheckpoint(id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := make(map[string]any, len(data)+1)
	for k, v := range data {
		cp[k] = v
	}
	cp["checkpointed_at"] = m.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	j.RecoveryCheckpoint = cp
	m.persistLocked("create checkpoint")
	return nil
}

// Checkpoint returns a copy of the job's recovery checkpoint, or nil when
// none has been written.
func (m *Manager) Checkpoint(id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.RecoveryCheckpoint == nil {
		return nil, nil
	}
	cp := make(map[string]any, len(j.RecoveryCheckpoint))
	for k, v := range j.RecoveryCheckpoint {
		cp[k] = v
	}
	return cp, nil
}

// RecordAnalytics stores (overwriting) the job's free-form analytics bag.
func (m *Manager) RecordAnalytics(id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	j.AnalyticsData = cp
	m.persistLocked("record analytics")
	return nil
}
