package catalog

import "time"

// Repository is a registered repository known to the indexer.
type Repository struct {
	ID            uint   `gorm:"primaryKey"`
	NormalizedURL string `gorm:"uniqueIndex;size:512"`
	URL           string `gorm:"size:512"`
	DisplayName   string `gorm:"size:128"`
	Description   string `gorm:"type:text"`
	DefaultBranch string `gorm:"size:128"`
	LastSyncedAt  *time.Time
	SyncCount     int `gorm:"default:0"`
	FailureCount  int `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// User is a directory entry for a person allowed to request syncs.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64"`
	Alias     string `gorm:"size:128"`
	Role      string `gorm:"size:32;default:member"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllModels returns the list of GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Repository{},
		&User{},
	}
}
