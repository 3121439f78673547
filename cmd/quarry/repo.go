package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/catalog"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Repository catalog commands",
	}

	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoListCmd())
	return cmd
}

func newRepoAddCmd() *cobra.Command {
	var (
		serverAddr  string
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a repository in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var repo catalog.Repository
			req := map[string]any{"url": args[0], "display_name": displayName}
			if err := newAPIClient(serverAddr).postJSON(http.MethodPost, "/api/repos", req, &repo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", repo.NormalizedURL)
			if repo.DefaultBranch != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  Default branch: %s\n", repo.DefaultBranch)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	return cmd
}

func newRepoListCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepoList(cmd, serverAddr)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "quarry server address")
	return cmd
}

func runRepoList(cmd *cobra.Command, serverAddr string) error {
	var resp struct {
		Repositories []catalog.Repository `json:"repositories"`
	}
	if err := newAPIClient(serverAddr).getJSON("/api/repos", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Repositories) == 0 {
		fmt.Fprintln(out, "No repositories registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tBRANCH\tSYNCS\tFAILURES\tLAST SYNCED")
	for _, r := range resp.Repositories {
		last := "-"
		if r.LastSyncedAt != nil {
			last = r.LastSyncedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			r.NormalizedURL, orDash(r.DefaultBranch), r.SyncCount, r.FailureCount, last)
	}
	return w.Flush()
}
