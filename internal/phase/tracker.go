// Package phase implements weighted multi-phase progress tracking.
package phase

import (
	"fmt"
	"math"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
)

// WeightTolerance is how far the weight sum may drift from 1.0.
const WeightTolerance = 1e-3

// Tracker drives the per-phase state machine and the weighted overall
// progress for one job. It is not safe for concurrent use; callers
// serialize access (the scheduler holds its table lock across every call).
type Tracker struct {
	order   []string
	weights map[string]float64
	phases  map[string]*job.PhaseInfo
	current string
	now     func() time.Time
}

// New builds a tracker for the declared phases. The weight map must cover
// exactly the declared phase names, each weight must lie in [0,1], and the
// weights must sum to 1.0 within WeightTolerance; violating any of these is
// a construction error, never a soft warning.
func New(order []string, weights map[string]float64) (*Tracker, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("phase: at least one phase is required")
	}
	if len(weights) != len(order) {
		return nil, fmt.Errorf("phase: weight map has %d entries for %d phases", len(weights), len(order))
	}
	sum := 0.0
	for _, name := range order {
		w, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("phase: no weight declared for phase %q", name)
		}
		if w < 0 || w > 1 {
			return nil, fmt.Errorf("phase: weight %v for phase %q is outside [0,1]", w, name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return nil, fmt.Errorf("phase: weights sum to %.4f, must sum to 1.0 within %.0e", sum, WeightTolerance)
	}

	t := &Tracker{
		order:   append([]string(nil), order...),
		weights: copyWeights(weights),
		phases:  make(map[string]*job.PhaseInfo, len(order)),
		now:     time.Now,
	}
	for _, name := range order {
		t.phases[name] = &job.PhaseInfo{PhaseName: name, Status: job.PhasePending}
	}
	return t, nil
}

// Restore rebuilds a tracker around phase records loaded from a snapshot.
// The same construction invariants apply.
func Restore(order []string, weights map[string]float64, phases map[string]*job.PhaseInfo) (*Tracker, error) {
	t, err := New(order, weights)
	if err != nil {
		return nil, err
	}
	for name, p := range phases {
		if _, ok := t.phases[name]; !ok {
			return nil, fmt.Errorf("phase: restored phase %q was never declared", name)
		}
		t.phases[name] = p
		if p.Status == job.PhaseRunning {
			t.current = name
		}
	}
	return t, nil
}

// Phases exposes the live phase records so the owning job can persist them.
// Mutation outside the tracker's methods is the caller's responsibility to
// avoid; external consumers should use Summary instead.
func (t *Tracker) Phases() map[string]*job.PhaseInfo { return t.phases }

// Order returns the declared phase order.
func (t *Tracker) Order() []string { return append([]string(nil), t.order...) }

// Weights returns a copy of the declared weight map.
func (t *Tracker) Weights() map[string]float64 { return copyWeights(t.weights) }

// Current returns the name of the phase currently running, or "".
func (t *Tracker) Current() string { return t.current }

// Start moves a pending phase to running.
func (t *Tracker) Start(name string) error {
	p, err := t.phase(name)
	if err != nil {
		return err
	}
	if p.Status != job.PhasePending {
		return fmt.Errorf("phase: cannot start %q from %s", name, p.Status)
	}
	now := t.now()
	p.Status = job.PhaseRunning
	p.StartedAt = &now
	t.current = name
	return nil
}

// Update records progress on a running phase. Progress is clamped to
// [0,100]; file counters and metrics are merged when provided.
func (t *Tracker) Update(name string, progress float64, currentFile string, filesProcessed, totalFiles int, metrics map[string]any) error {
	p, err := t.phase(name)
	if err != nil {
		return err
	}
	if p.Status != job.PhaseRunning {
		return fmt.Errorf("phase: cannot update %q from %s", name, p.Status)
	}
	p.Progress = clamp(progress)
	if currentFile != "" {
		p.CurrentFile = currentFile
	}
	if filesProcessed > 0 {
		p.FilesProcessed = filesProcessed
	}
	if totalFiles > 0 {
		p.TotalFiles = totalFiles
	}
	if len(metrics) > 0 {
		if p.Metrics == nil {
			p.Metrics = make(map[string]any, len(metrics))
		}
		for k, v := range metrics {
			p.Metrics[k] = v
		}
	}
	return nil
}

// Complete marks a running phase finished at 100%.
func (t *Tracker) Complete(name string) error {
	p, err := t.phase(name)
	if err != nil {
		return err
	}
	if p.Status != job.PhaseRunning {
		return fmt.Errorf("phase: cannot complete %q from %s", name, p.Status)
	}
	t.settle(p, job.PhaseCompleted)
	p.Progress = 100
	return nil
}

// Fail marks a running phase failed with the given message.
func (t *Tracker) Fail(name, message string) error {
	p, err := t.phase(name)
	if err != nil {
		return err
	}
	if p.Status != job.PhaseRunning {
		return fmt.Errorf("phase: cannot fail %q from %s", name, p.Status)
	}
	t.settle(p, job.PhaseFailed)
	p.ErrorMessage = message
	return nil
}

// Skip marks a pending or running phase skipped. A skipped phase counts as
// fully complete for weighting.
func (t *Tracker) Skip(name, reason string) error {
	p, err := t.phase(name)
	if err != nil {
		return err
	}
	if p.Status != job.PhasePending && p.Status != job.PhaseRunning {
		return fmt.Errorf("phase: cannot skip %q from %s", name, p.Status)
	}
	t.settle(p, job.PhaseSkipped)
	p.Progress = 100
	p.SkipReason = reason
	return nil
}

// Overall returns the weighted progress in [0,100], rounded to two decimal
// places. Internal accumulation stays full precision; rounding happens only
// here so repeated reads are stable.
func (t *Tracker) Overall() float64 {
	return math.Round(t.overall()*100) / 100
}

// NextPending returns the first phase in declared order still pending, or "".
func (t *Tracker) NextPending() string {
	for _, name := range t.order {
		if t.phases[name].Status == job.PhasePending {
			return name
		}
	}
	return ""
}

// AnyFailed reports whether any phase has failed.
func (t *Tracker) AnyFailed() bool {
	for _, p := range t.phases {
		if p.Status == job.PhaseFailed {
			return true
		}
	}
	return false
}

// Summary is a read-only snapshot of tracker state.
type Summary struct {
	Phases          []job.PhaseInfo `json:"phases"`
	CurrentPhase    string          `json:"current_phase"`
	OverallProgress float64         `json:"overall_progress"`
	CompletedPhases []string        `json:"completed_phases,omitempty"`
}

// Summary returns a deep-copied view of the tracker; callers cannot mutate
// tracker state through it.
func (t *Tracker) Summary() Summary {
	s := Summary{
		CurrentPhase:    t.current,
		OverallProgress: t.Overall(),
	}
	for _, name := range t.order {
		p := t.phases[name]
		s.Phases = append(s.Phases, *p.Clone())
		if p.Status == job.PhaseCompleted || p.Status == job.PhaseSkipped {
			s.CompletedPhases = append(s.CompletedPhases, name)
		}
	}
	return s
}

func (t *Tracker) overall() float64 {
	sum := 0.0
	for name, w := range t.weights {
		sum += w * t.phases[name].Progress / 100
	}
	return sum * 100
}

func (t *Tracker) settle(p *job.PhaseInfo, status job.PhaseStatus) {
	now := t.now()
	p.Status = status
	p.CompletedAt = &now
	if p.StartedAt != nil {
		d := now.Sub(*p.StartedAt).Seconds()
		p.DurationSeconds = &d
	}
	if t.current == p.PhaseName {
		t.current = ""
	}
}

func (t *Tracker) phase(name string) (*job.PhaseInfo, error) {
	p, ok := t.phases[name]
	if !ok {
		return nil, fmt.Errorf("phase: unknown phase %q", name)
	}
	return p, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func copyWeights(w map[string]float64) map[string]float64 {
	cp := make(map[string]float64, len(w))
	for k, v := range w {
		cp[k] = v
	}
	return cp
}
