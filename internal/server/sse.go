package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/scheduler"
)

// jobUpdateEvent is the payload of one job-update SSE event.
type jobUpdateEvent struct {
	JobID           string     `json:"job_id"`
	Status          job.Status `json:"status"`
	CurrentPhase    string     `json:"current_phase,omitempty"`
	OverallProgress float64    `json:"overall_progress"`
	QueuePosition   int        `json:"queue_position,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// jobFingerprint is the observable state the stream diffs against.
type jobFingerprint struct {
	status   job.Status
	phase    string
	progress float64
	position int
}

// handleSSE streams job updates by polling the job table and emitting an
// event whenever a job's observable state changes.
func handleSSE(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		seen := map[string]jobFingerprint{}
		for _, j := range m.ListJobs() {
			seen[j.ID] = fingerprint(j)
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(2 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				changed := false
				for _, j := range m.ListJobs() {
					fp := fingerprint(j)
					if prev, ok := seen[j.ID]; ok && prev == fp {
						continue
					}
					seen[j.ID] = fp
					writeSSE(c.Writer, "job", jobUpdateEvent{
						JobID:           j.ID,
						Status:          j.Status,
						CurrentPhase:    j.CurrentPhase,
						OverallProgress: j.OverallProgress,
						QueuePosition:   j.QueuePosition,
						ErrorMessage:    j.ErrorMessage,
					})
					changed = true
				}
				if changed {
					c.Writer.Flush()
				}
			}
		}
	}
}

func fingerprint(j *job.SyncJob) jobFingerprint {
	return jobFingerprint{
		status:   j.Status,
		phase:    j.CurrentPhase,
		progress: j.OverallProgress,
		position: j.QueuePosition,
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
