// Package resources samples system CPU, memory, and load for admission
// control decisions.
package resources

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is one resource sample. Fields are best-effort: a probe that
// fails on the current platform leaves its field at zero.
type Metrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LoadAverage   float64   `json:"load_average,omitempty"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler produces resource metrics. Implementations must be non-blocking
// and cheap; the scheduler calls Sample on every admission decision.
type Sampler interface {
	Sample() Metrics
}

// SystemSampler reads live metrics via gopsutil, caching results for a
// configured interval to bound sampling cost.
type SystemSampler struct {
	interval time.Duration

	mu     sync.Mutex
	cached Metrics
}

// NewSystemSampler creates a sampler whose results are cached for interval.
func NewSystemSampler(interval time.Duration) *SystemSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SystemSampler{interval: interval}
}

// Sample returns the cached metrics, refreshing them when the cache window
// has elapsed.
func (s *SystemSampler) Sample() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.cached.SampledAt) < s.interval {
		return s.cached
	}
	s.cached = collect()
	return s.cached
}

// collect probes the system once. cpu.Percent with a zero interval compares
// against the previous call instead of blocking.
func collect() Metrics {
	m := Metrics{SampledAt: time.Now()}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		m.LoadAverage = avg.Load1
	}
	return m
}

// Static is a fixed-value Sampler for tests and dry runs.
type Static struct {
	Metrics Metrics
}

// Sample returns the configured metrics stamped with the current time.
func (s *Static) Sample() Metrics {
	m := s.Metrics
	m.SampledAt = time.Now()
	return m
}
