package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/scheduler"
)

func newStatusCmd() *cobra.Command {
	var (
		serverAddr string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and resource status",
		Long:  "Displays running/queued job counts, the queue in position order, and the current resource sample. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, serverAddr, watch)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, serverAddr string, watch bool) error {
	client := newAPIClient(serverAddr)
	out := cmd.OutOrStdout()

	for {
		var queue scheduler.GlobalQueueStatus
		if err := client.getJSON("/api/queue", &queue); err != nil {
			return err
		}
		var metrics scheduler.MetricsReport
		if err := client.getJSON("/api/metrics", &metrics); err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}

		fmt.Fprintf(out, "Jobs:      %d running, %d queued\n", queue.Running, queue.Queued)
		mode := "normal"
		if queue.DegradedMode {
			mode = "DEGRADED"
		}
		fmt.Fprintf(out, "Resources: cpu %.1f%%  mem %.1f%%  load %.2f  (%s)\n",
			metrics.CPUPercent, metrics.MemoryPercent, metrics.LoadAverage, mode)
		if len(queue.Queue) > 0 {
			fmt.Fprintln(out, "Queue:")
			for _, e := range queue.Queue {
				fmt.Fprintf(out, "  %2d. %s  %s  (est. wait %.0f min)\n",
					e.Position, shortID(e.JobID), e.Username, e.EstimatedWaitMinutes)
			}
		}

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}
