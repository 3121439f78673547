package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/catalog"
	"github.com/quarrylabs/quarry/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "quarry.yaml", "path to Quarry config file")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Catalog.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DSN), 0o755); err != nil {
			return fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := catalog.Connect(cfg.Catalog)
	if err != nil {
		return err
	}
	if err := catalog.AutoMigrate(db); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Catalog schema up to date (%s)\n", cfg.Catalog.Driver)
	return nil
}
