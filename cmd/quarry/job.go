package main

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/job"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Sync job commands",
	}

	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		serverAddr string
		username   string
		alias      string
		repoURL    string
		phases     []string
		weights    []float64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a repository sync job",
		Long:  "Submits a sync job to the server. The job runs immediately when concurrency limits allow, and queues otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCreate(cmd, serverAddr, username, alias, repoURL, phases, weights)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	cmd.Flags().StringVarP(&username, "user", "u", "", "requesting username")
	cmd.Flags().StringVar(&alias, "alias", "", "display name (defaults to username)")
	cmd.Flags().StringVarP(&repoURL, "repo", "r", "", "repository URL to sync")
	cmd.Flags().StringSliceVar(&phases, "phases", nil, "ordered phase names")
	cmd.Flags().Float64SliceVar(&weights, "weights", nil, "phase weights, matching --phases order, summing to 1.0")
	return cmd
}

func runJobCreate(cmd *cobra.Command, serverAddr, username, alias, repoURL string, phases []string, weights []float64) error {
	if username == "" {
		return fmt.Errorf("--user is required")
	}
	if alias == "" {
		alias = username
	}

	req := map[string]any{
		"username":       username,
		"user_alias":     alias,
		"repository_url": repoURL,
	}
	if len(phases) > 0 {
		if len(weights) != len(phases) {
			return fmt.Errorf("--weights must match --phases (%d phases, %d weights)", len(phases), len(weights))
		}
		wm := make(map[string]float64, len(phases))
		for i, name := range phases {
			wm[name] = weights[i]
		}
		req["phases"] = phases
		req["phase_weights"] = wm
	}

	var created job.SyncJob
	if err := newAPIClient(serverAddr).postJSON(http.MethodPost, "/api/jobs", req, &created); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s created (%s)\n", created.ID, created.Status)
	if created.Status == job.StatusQueued {
		fmt.Fprintf(out, "  Queue position: %d (est. wait %.0f min)\n", created.QueuePosition, created.EstimatedWaitMinutes)
	}
	return nil
}

func newJobListCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobList(cmd, serverAddr)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	return cmd
}

func runJobList(cmd *cobra.Command, serverAddr string) error {
	var resp struct {
		Jobs []job.SyncJob `json:"jobs"`
	}
	if err := newAPIClient(serverAddr).getJSON("/api/jobs", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPROGRESS\tPHASE\tREPOSITORY")
	for _, j := range resp.Jobs {
		progress := fmt.Sprintf("%.0f%%", j.Progress)
		if j.Status == job.StatusQueued {
			progress = fmt.Sprintf("#%d", j.QueuePosition)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID), j.Username, j.Status, progress, j.CurrentPhase, j.RepositoryURL)
	}
	return w.Flush()
}

func newJobShowCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobShow(cmd, serverAddr, args[0])
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	return cmd
}

func runJobShow(cmd *cobra.Command, serverAddr, id string) error {
	var j job.SyncJob
	if err := newAPIClient(serverAddr).getJSON("/api/jobs/"+id, &j); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %s\n", j.ID)
	fmt.Fprintf(out, "User:       %s (%s)\n", j.Username, j.UserAlias)
	fmt.Fprintf(out, "Type:       %s\n", j.Type)
	fmt.Fprintf(out, "Status:     %s\n", j.Status)
	if j.RepositoryURL != "" {
		fmt.Fprintf(out, "Repository: %s\n", j.RepositoryURL)
	}
	if j.Status == job.StatusQueued {
		fmt.Fprintf(out, "Queue:      position %d, est. wait %.0f min\n", j.QueuePosition, j.EstimatedWaitMinutes)
	}
	if len(j.PhaseOrder) > 0 {
		fmt.Fprintf(out, "Progress:   %.1f%% (phase: %s)\n", j.OverallProgress, orDash(j.CurrentPhase))
		for _, name := range j.PhaseOrder {
			p := j.Phases[name]
			if p == nil {
				continue
			}
			fmt.Fprintf(out, "  %-16s %-10s %.0f%%\n", name, p.Status, p.Progress)
		}
	} else if j.Progress > 0 {
		fmt.Fprintf(out, "Progress:   %.1f%%\n", j.Progress)
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:      %s\n", j.ErrorMessage)
	}
	return nil
}

func newJobCancelCmd() *cobra.Command {
	var (
		serverAddr string
		queuedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/jobs/" + args[0] + "/cancel"
			if queuedOnly {
				path = "/api/jobs/" + args[0] + "/cancel-queued"
			}
			if err := newAPIClient(serverAddr).postJSON(http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	cmd.Flags().BoolVar(&queuedOnly, "queued-only", false, "fail instead of cancelling if the job already started")
	return cmd
}

// shortID truncates a UUID for table display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
