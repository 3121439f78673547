// Package notify fans terminal job events out to chat platforms. Delivery
// is best-effort: adapter failures are logged and never reach the
// scheduler.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/job"
)

// Event is one terminal job outcome to announce.
type Event struct {
	JobID         string
	Username      string
	UserAlias     string
	Status        job.Status
	RepositoryURL string
	ErrorMessage  string
	Duration      time.Duration
	FinishedAt    time.Time
}

// EventFromJob builds an Event from a terminal job snapshot.
func EventFromJob(j job.SyncJob) Event {
	e := Event{
		JobID:         j.ID,
		Username:      j.Username,
		UserAlias:     j.UserAlias,
		Status:        j.Status,
		RepositoryURL: j.RepositoryURL,
		ErrorMessage:  j.ErrorMessage,
	}
	if j.CompletedAt != nil {
		e.FinishedAt = *j.CompletedAt
		if j.StartedAt != nil {
			e.Duration = j.CompletedAt.Sub(*j.StartedAt)
		}
	}
	return e
}

// Adapter delivers one event to one platform.
type Adapter interface {
	Name() string
	Send(ctx context.Context, evt Event) error
}

// Router fans events out to every registered adapter.
type Router struct {
	adapters []Adapter
	timeout  time.Duration
}

// NewRouter builds a router over the given adapters. A nil or empty adapter
// list yields a router that drops every event.
func NewRouter(adapters ...Adapter) *Router {
	return &Router{adapters: adapters, timeout: 10 * time.Second}
}

// Dispatch sends the event to all adapters concurrently and waits for them.
// Failures are logged per adapter.
func (r *Router) Dispatch(evt Event) {
	var wg sync.WaitGroup
	for _, a := range r.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := a.Send(ctx, evt); err != nil {
				log.Printf("notify: %s: %v", a.Name(), err)
			}
		}(a)
	}
	wg.Wait()
}

// statusColor maps a terminal status to the attachment/embed accent color.
func statusColor(s job.Status) string {
	switch s {
	case job.StatusCompleted:
		return "#36a64f"
	case job.StatusFailed:
		return "#d00000"
	default:
		return "#808080"
	}
}

// headline builds the one-line summary shared by all adapters.
func headline(evt Event) string {
	who := evt.UserAlias
	if who == "" {
		who = evt.Username
	}
	switch evt.Status {
	case job.StatusCompleted:
		return "Sync completed for " + who
	case job.StatusFailed:
		return "Sync failed for " + who
	case job.StatusCancelled:
		return "Sync cancelled for " + who
	default:
		return "Sync " + string(evt.Status) + " for " + who
	}
}
