// Package maintenance runs the background sweeps that keep the job table
// and its persistence artifacts bounded.
package maintenance

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quarrylabs/quarry/internal/scheduler"
	"github.com/quarrylabs/quarry/internal/snapshot"
)

// artifactMaxAge matches the store's startup cleanup threshold: temp and
// lock files younger than this may belong to a live writer.
const artifactMaxAge = time.Hour

// Sweeper owns the cron schedule for periodic cleanup.
type Sweeper struct {
	cron      *cron.Cron
	manager   *scheduler.Manager
	store     *snapshot.Store
	retention time.Duration
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Manager      *scheduler.Manager
	Store        *snapshot.Store
	Schedule     string        // cron expression or descriptor, e.g. "@hourly"
	JobRetention time.Duration // terminal jobs older than this are pruned
}

// New creates a Sweeper and registers the sweep on the schedule.
func New(opts Opts) (*Sweeper, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("maintenance: manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("maintenance: store is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "@hourly"
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = 7 * 24 * time.Hour
	}

	s := &Sweeper{
		cron:      cron.New(),
		manager:   opts.Manager,
		store:     opts.Store,
		retention: opts.JobRetention,
	}
	if _, err := s.cron.AddFunc(opts.Schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("maintenance: bad schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// Start begins running sweeps on the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one full maintenance pass: stale persistence artifacts, old
// backups, and expired terminal jobs. Each step is independent; a failing
// step is logged and the others still run.
func (s *Sweeper) Sweep() {
	if n, err := s.store.CleanupArtifacts(artifactMaxAge); err != nil {
		log.Printf("maintenance: cleanup artifacts: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: removed %d stale artifact(s)", n)
	}

	if n, err := s.store.PruneBackups(); err != nil {
		log.Printf("maintenance: prune backups: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: pruned %d old backup(s)", n)
	}

	if n := s.manager.PruneTerminal(s.retention); n > 0 {
		log.Printf("maintenance: expired %d terminal job(s)", n)
	}
}
