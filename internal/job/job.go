// Package job defines the sync-job record and its lifecycle states.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies what a job does to its target repository.
type Type string

const (
	TypeRepositorySync         Type = "repository_sync"
	TypeRepositoryActivation   Type = "repository_activation"
	TypeRepositoryDeactivation Type = "repository_deactivation"
)

// ValidTypes lists every recognized job type.
var ValidTypes = []Type{TypeRepositorySync, TypeRepositoryActivation, TypeRepositoryDeactivation}

// ValidType reports whether t is a recognized job type.
func ValidType(t Type) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransitions maps each status to its valid next statuses. Queued jobs
// only ever promote or cancel; a restart re-queues them rather than failing
// them.
var ValidTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseStatus is the state of a single phase within a job.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PhaseInfo is the per-phase sub-record of a phase-aware job.
type PhaseInfo struct {
	PhaseName       string         `json:"phase_name"`
	Status          PhaseStatus    `json:"status"`
	Progress        float64        `json:"progress"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	CurrentFile     string         `json:"current_file,omitempty"`
	FilesProcessed  int            `json:"files_processed,omitempty"`
	TotalFiles      int            `json:"total_files,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	SkipReason      string         `json:"skip_reason,omitempty"`
}

// Clone returns a deep copy of the phase info.
func (p *PhaseInfo) Clone() *PhaseInfo {
	cp := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		cp.DurationSeconds = &d
	}
	if p.Metrics != nil {
		cp.Metrics = make(map[string]any, len(p.Metrics))
		for k, v := range p.Metrics {
			cp.Metrics[k] = v
		}
	}
	return &cp
}

// ProgressSnapshot is one timestamped entry in a job's progress history.
type ProgressSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Phase           string    `json:"phase"`
	PhaseProgress   float64   `json:"phase_progress"`
	OverallProgress float64   `json:"overall_progress"`
}

// SyncJob is one request to sync, activate, or deactivate a repository.
type SyncJob struct {
	ID        string `json:"job_id"`
	Username  string `json:"username"`
	UserAlias string `json:"user_alias"`
	Type      Type   `json:"job_type"`
	Status    Status `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	InterruptedAt *time.Time `json:"interrupted_at,omitempty"`

	// QueuePosition is 1-based and only meaningful while status is queued.
	QueuePosition        int     `json:"queue_position,omitempty"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes,omitempty"`

	RepositoryURL string `json:"repository_url,omitempty"`
	NormalizedURL string `json:"normalized_url,omitempty"`

	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// Multi-phase extension, present only for phase-aware jobs.
	Phases             map[string]*PhaseInfo `json:"phases,omitempty"`
	PhaseOrder         []string              `json:"phase_order,omitempty"`
	CurrentPhase       string                `json:"current_phase,omitempty"`
	PhaseWeights       map[string]float64    `json:"phase_weights,omitempty"`
	OverallProgress    float64               `json:"overall_progress,omitempty"`
	ProgressHistory    []ProgressSnapshot    `json:"progress_history,omitempty"`
	RecoveryCheckpoint map[string]any        `json:"recovery_checkpoint,omitempty"`
	AnalyticsData      map[string]any        `json:"analytics_data,omitempty"`
}

// PhaseAware reports whether the job tracks multi-phase progress.
func (j *SyncJob) PhaseAware() bool { return len(j.PhaseOrder) > 0 }

// Clone returns a deep copy safe to hand outside the scheduler lock.
func (j *SyncJob) Clone() *SyncJob {
	cp := *j
	cp.QueuedAt = cloneTime(j.QueuedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.InterruptedAt = cloneTime(j.InterruptedAt)
	if j.Phases != nil {
		cp.Phases = make(map[string]*PhaseInfo, len(j.Phases))
		for name, p := range j.Phases {
			cp.Phases[name] = p.Clone()
		}
	}
	if j.PhaseOrder != nil {
		cp.PhaseOrder = append([]string(nil), j.PhaseOrder...)
	}
	if j.PhaseWeights != nil {
		cp.PhaseWeights = make(map[string]float64, len(j.PhaseWeights))
		for k, v := range j.PhaseWeights {
			cp.PhaseWeights[k] = v
		}
	}
	if j.ProgressHistory != nil {
		cp.ProgressHistory = append([]ProgressSnapshot(nil), j.ProgressHistory...)
	}
	cp.RecoveryCheckpoint = cloneBag(j.RecoveryCheckpoint)
	cp.AnalyticsData = cloneBag(j.AnalyticsData)
	return &cp
}

// Validate checks the fields a persisted record must carry to be usable.
func (j *SyncJob) Validate() error {
	var errs []string
	if j.ID == "" {
		errs = append(errs, "job_id is required")
	}
	if strings.TrimSpace(j.Username) == "" {
		errs = append(errs, "username is required")
	}
	if !ValidType(j.Type) {
		errs = append(errs, fmt.Sprintf("unrecognized job_type %q", j.Type))
	}
	switch j.Status {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		errs = append(errs, fmt.Sprintf("unrecognized status %q", j.Status))
	}
	if j.CreatedAt.IsZero() {
		errs = append(errs, "created_at is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("job: invalid record: %s", strings.Join(errs, "; "))
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneBag(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
