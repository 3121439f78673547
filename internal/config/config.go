// Package config provides YAML-based configuration loading for Quarry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Quarry configuration, loaded from config.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Notify      NotifyConfig      `yaml:"notify"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SchedulerConfig holds admission and queueing limits.
type SchedulerConfig struct {
	MaxConcurrentPerUser         int     `yaml:"max_concurrent_per_user"`
	MaxConcurrentTotal           int     `yaml:"max_concurrent_total"`
	MaxCPUPercent                float64 `yaml:"max_cpu_percent"`
	MaxMemoryPercent             float64 `yaml:"max_memory_percent"`
	DegradedCPUThreshold         float64 `yaml:"degraded_cpu_threshold"`
	DegradedMemoryThreshold      float64 `yaml:"degraded_memory_threshold"`
	DegradedMaxPerUser           int     `yaml:"degraded_max_per_user"`
	DegradedMaxTotal             int     `yaml:"degraded_max_total"`
	AverageJobDurationMinutes    float64 `yaml:"average_job_duration_minutes"`
	ResourceCheckIntervalSeconds int     `yaml:"resource_check_interval_seconds"`
}

// AverageJobDuration returns the wait-estimate base as a duration.
func (c SchedulerConfig) AverageJobDuration() time.Duration {
	return time.Duration(c.AverageJobDurationMinutes * float64(time.Minute))
}

// ResourceCheckInterval returns the sampler cache TTL as a duration.
func (c SchedulerConfig) ResourceCheckInterval() time.Duration {
	return time.Duration(c.ResourceCheckIntervalSeconds) * time.Second
}

// SnapshotConfig holds job-table persistence settings.
type SnapshotConfig struct {
	Path               string `yaml:"path"`
	BackupRetention    int    `yaml:"backup_retention"`
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
}

// LockTimeout returns the write-lock acquisition timeout as a duration.
func (c SnapshotConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// CatalogConfig holds the repository/user catalog database settings.
type CatalogConfig struct {
	Driver      string `yaml:"driver"` // sqlite or mysql
	DSN         string `yaml:"dsn"`
	GitHubToken string `yaml:"github_token"`
}

// NotifyConfig holds the outbound notification adapters. An adapter with no
// token configured is simply not started.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack send-only settings.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord send-only settings.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// MaintenanceConfig holds the background sweep settings.
type MaintenanceConfig struct {
	JobRetentionHours int    `yaml:"job_retention_hours"`
	Schedule          string `yaml:"schedule"`
}

// JobRetention returns the terminal-job expiry age as a duration.
func (c MaintenanceConfig) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionHours) * time.Hour
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	s := &c.Scheduler
	if s.MaxConcurrentPerUser == 0 {
		s.MaxConcurrentPerUser = 2
	}
	if s.MaxConcurrentTotal == 0 {
		s.MaxConcurrentTotal = 5
	}
	if s.MaxCPUPercent == 0 {
		s.MaxCPUPercent = 90
	}
	if s.MaxMemoryPercent == 0 {
		s.MaxMemoryPercent = 90
	}
	if s.DegradedCPUThreshold == 0 {
		s.DegradedCPUThreshold = 70
	}
	if s.DegradedMemoryThreshold == 0 {
		s.DegradedMemoryThreshold = 75
	}
	if s.DegradedMaxPerUser == 0 {
		s.DegradedMaxPerUser = 1
	}
	if s.DegradedMaxTotal == 0 {
		s.DegradedMaxTotal = 2
	}
	if s.AverageJobDurationMinutes == 0 {
		s.AverageJobDurationMinutes = 5
	}
	if s.ResourceCheckIntervalSeconds == 0 {
		s.ResourceCheckIntervalSeconds = 5
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "data/jobs.json"
	}
	if c.Snapshot.BackupRetention == 0 {
		c.Snapshot.BackupRetention = 5
	}
	if c.Snapshot.LockTimeoutSeconds == 0 {
		c.Snapshot.LockTimeoutSeconds = 10
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "sqlite"
	}
	if c.Catalog.Driver == "sqlite" && c.Catalog.DSN == "" {
		c.Catalog.DSN = "data/catalog.db"
	}
	if c.Maintenance.JobRetentionHours == 0 {
		c.Maintenance.JobRetentionHours = 7 * 24
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@hourly"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Catalog.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("catalog.driver %q is not sqlite or mysql", c.Catalog.Driver))
	}
	if c.Catalog.Driver == "mysql" && c.Catalog.DSN == "" {
		errs = append(errs, "catalog.dsn is required for the mysql driver")
	}
	s := c.Scheduler
	if s.MaxConcurrentPerUser < 0 || s.MaxConcurrentTotal < 0 {
		errs = append(errs, "scheduler concurrency limits must not be negative")
	}
	if s.MaxCPUPercent < 0 || s.MaxCPUPercent > 100 {
		errs = append(errs, "scheduler.max_cpu_percent must be between 0 and 100")
	}
	if s.MaxMemoryPercent < 0 || s.MaxMemoryPercent > 100 {
		errs = append(errs, "scheduler.max_memory_percent must be between 0 and 100")
	}
	if s.DegradedCPUThreshold > s.MaxCPUPercent {
		errs = append(errs, "scheduler.degraded_cpu_threshold must not exceed max_cpu_percent")
	}
	if s.DegradedMemoryThreshold > s.MaxMemoryPercent {
		errs = append(errs, "scheduler.degraded_memory_threshold must not exceed max_memory_percent")
	}
	if c.Snapshot.BackupRetention < 0 {
		errs = append(errs, "snapshot.backup_retention must not be negative")
	}
	if c.Notify.Slack.Token != "" && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required when a slack token is set")
	}
	if c.Notify.Discord.Token != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when a discord token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
