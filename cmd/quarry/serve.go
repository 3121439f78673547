package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/catalog"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/job"
	"github.com/quarrylabs/quarry/internal/maintenance"
	"github.com/quarrylabs/quarry/internal/notify"
	"github.com/quarrylabs/quarry/internal/resources"
	"github.com/quarrylabs/quarry/internal/scheduler"
	"github.com/quarrylabs/quarry/internal/server"
	"github.com/quarrylabs/quarry/internal/snapshot"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Quarry scheduler and API server",
		Long:  "Loads the persisted job table, recovers interrupted jobs, and serves the scheduling API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "quarry.yaml", "path to Quarry config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := snapshot.New(snapshot.Options{
		Path:            cfg.Snapshot.Path,
		BackupRetention: cfg.Snapshot.BackupRetention,
		LockTimeout:     cfg.Snapshot.LockTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	if cfg.Catalog.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DSN), 0o755); err != nil {
			return fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := catalog.Connect(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("connect catalog: %w", err)
	}
	if err := catalog.AutoMigrate(db); err != nil {
		return err
	}
	cat := catalog.NewStore(db)

	router := buildNotifyRouter(cfg.Notify)

	mgr, err := scheduler.New(scheduler.Opts{
		Config: scheduler.Config{
			MaxConcurrentPerUser:    cfg.Scheduler.MaxConcurrentPerUser,
			MaxConcurrentTotal:      cfg.Scheduler.MaxConcurrentTotal,
			MaxCPUPercent:           cfg.Scheduler.MaxCPUPercent,
			MaxMemoryPercent:        cfg.Scheduler.MaxMemoryPercent,
			DegradedCPUThreshold:    cfg.Scheduler.DegradedCPUThreshold,
			DegradedMemoryThreshold: cfg.Scheduler.DegradedMemoryThreshold,
			DegradedMaxPerUser:      cfg.Scheduler.DegradedMaxPerUser,
			DegradedMaxTotal:        cfg.Scheduler.DegradedMaxTotal,
			AverageJobDuration:      cfg.Scheduler.AverageJobDuration(),
		},
		Store:   store,
		Sampler: resources.NewSystemSampler(cfg.Scheduler.ResourceCheckInterval()),
		OnTerminal: func(j job.SyncJob) {
			if router != nil {
				router.Dispatch(notify.EventFromJob(j))
			}
			if j.NormalizedURL != "" {
				if err := cat.RecordSync(j.NormalizedURL, j.Status == job.StatusCompleted); err != nil {
					log.Printf("serve: record sync: %v", err)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	sweeper, err := maintenance.New(maintenance.Opts{
		Manager:      mgr,
		Store:        store,
		Schedule:     cfg.Maintenance.Schedule,
		JobRetention: cfg.Maintenance.JobRetention(),
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	err = server.Start(ctx, server.StartOpts{
		Manager:    mgr,
		Catalog:    cat,
		Resolver:   catalog.NewGitHubResolver(cfg.Catalog.GitHubToken),
		ListenAddr: cfg.Server.ListenAddr,
		Out:        cmd.OutOrStdout(),
	})

	// Make a final durability attempt before exit; a failed background
	// write would otherwise be lost silently.
	if ferr := mgr.Flush(); ferr != nil {
		log.Printf("serve: final snapshot write: %v", ferr)
	}
	return err
}

// buildNotifyRouter creates adapters for every configured platform.
func buildNotifyRouter(cfg config.NotifyConfig) *notify.Router {
	var adapters []notify.Adapter
	if cfg.Slack.Token != "" {
		a, err := notify.NewSlack(notify.SlackOpts{Token: cfg.Slack.Token, Channel: cfg.Slack.Channel})
		if err != nil {
			log.Printf("serve: slack adapter: %v", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if cfg.Discord.Token != "" {
		a, err := notify.NewDiscord(notify.DiscordOpts{Token: cfg.Discord.Token, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			log.Printf("serve: discord adapter: %v", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if len(adapters) == 0 {
		return nil
	}
	return notify.NewRouter(adapters...)
}
