// Package catalog persists the repository and user directory backing the
// sync scheduler, on either SQLite or MySQL.
package catalog

import (
	"errors"
	"fmt"
	"time"

	sqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/repourl"
)

// ErrNotFound is returned when a repository or user does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Connect opens a GORM connection per the configured driver.
func Connect(cfg config.CatalogConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch cfg.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("catalog: open sqlite %s: %w", cfg.DSN, err)
		}
		return db, nil
	case "mysql":
		if _, err := sqldriver.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("catalog: invalid mysql dsn: %w", err)
		}
		db, err := gorm.Open(mysql.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("catalog: connect mysql: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("catalog: unsupported driver %q", cfg.Driver)
	}
}

// AutoMigrate creates or updates the catalog tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("catalog: auto-migrate: %w", err)
	}
	return nil
}

// Store wraps the catalog database with typed operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an open connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// RegisterRepository inserts a repository keyed by its normalized URL, or
// refreshes the mutable fields when it already exists. The stored record is
// returned either way.
func (s *Store) RegisterRepository(repo Repository) (*Repository, error) {
	repo.NormalizedURL = repourl.Normalize(repo.URL)
	if repo.NormalizedURL == "" {
		return nil, fmt.Errorf("catalog: repository URL is blank")
	}

	var existing Repository
	err := s.db.Where("normalized_url = ?", repo.NormalizedURL).First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{"url": repo.URL}
		if repo.DisplayName != "" {
			updates["display_name"] = repo.DisplayName
		}
		if repo.Description != "" {
			updates["description"] = repo.Description
		}
		if repo.DefaultBranch != "" {
			updates["default_branch"] = repo.DefaultBranch
		}
		if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("catalog: update repository %s: %w", repo.NormalizedURL, err)
		}
		return s.GetRepository(repo.NormalizedURL)
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.Create(&repo).Error; err != nil {
			return nil, fmt.Errorf("catalog: create repository %s: %w", repo.NormalizedURL, err)
		}
		return &repo, nil
	default:
		return nil, fmt.Errorf("catalog: lookup repository %s: %w", repo.NormalizedURL, err)
	}
}

// GetRepository fetches a repository by normalized URL.
func (s *Store) GetRepository(normalizedURL string) (*Repository, error) {
	var repo Repository
	err := s.db.Where("normalized_url = ?", normalizedURL).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: repository %s", ErrNotFound, normalizedURL)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get repository %s: %w", normalizedURL, err)
	}
	return &repo, nil
}

// ListRepositories returns all repositories, most recently synced first.
func (s *Store) ListRepositories() ([]Repository, error) {
	var repos []Repository
	if err := s.db.Order("last_synced_at DESC, id").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("catalog: list repositories: %w", err)
	}
	return repos, nil
}

// RecordSync bumps the sync counters for a repository after a terminal sync
// job. Unknown repositories are ignored; ad-hoc syncs need no catalog row.
func (s *Store) RecordSync(normalizedURL string, succeeded bool) error {
	var repo Repository
	err := s.db.Where("normalized_url = ?", normalizedURL).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: record sync for %s: %w", normalizedURL, err)
	}

	ts := s.now()
	updates := map[string]interface{}{"last_synced_at": &ts}
	if succeeded {
		updates["sync_count"] = gorm.Expr("sync_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	if err := s.db.Model(&repo).Updates(updates).Error; err != nil {
		return fmt.Errorf("catalog: record sync for %s: %w", normalizedURL, err)
	}
	return nil
}

// UpsertUser creates or refreshes a directory entry.
func (s *Store) UpsertUser(username, alias, role string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("catalog: username is blank")
	}
	var u User
	err := s.db.Where("username = ?", username).First(&u).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{}
		if alias != "" {
			updates["alias"] = alias
		}
		if role != "" {
			updates["role"] = role
		}
		if len(updates) > 0 {
			if err := s.db.Model(&u).Updates(updates).Error; err != nil {
				return nil, fmt.Errorf("catalog: update user %s: %w", username, err)
			}
		}
		return s.GetUser(username)
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = User{Username: username, Alias: alias, Role: role}
		if u.Role == "" {
			u.Role = "member"
		}
		if err := s.db.Create(&u).Error; err != nil {
			return nil, fmt.Errorf("catalog: create user %s: %w", username, err)
		}
		return &u, nil
	default:
		return nil, fmt.Errorf("catalog: lookup user %s: %w", username, err)
	}
}

// GetUser fetches a directory entry by username.
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	err := s.db.Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get user %s: %w", username, err)
	}
	return &u, nil
}
