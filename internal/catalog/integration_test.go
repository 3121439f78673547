//go:build integration

package catalog

import (
	"os"
	"testing"

	"github.com/quarrylabs/quarry/internal/config"
)

// TestIntegration_MySQL exercises the catalog against a real MySQL server.
// Set QUARRY_TEST_MYSQL_DSN, e.g.
// root@tcp(127.0.0.1:3306)/quarry_test?parseTime=true
func TestIntegration_MySQL(t *testing.T) {
	dsn := os.Getenv("QUARRY_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("QUARRY_TEST_MYSQL_DSN not set")
	}

	db, err := Connect(config.CatalogConfig{Driver: "mysql", DSN: dsn})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() {
		db.Exec("DELETE FROM repositories")
		db.Exec("DELETE FROM users")
	})

	repo, err := s.RegisterRepository(Repository{URL: "git@github.com:org/integration.git"})
	if err != nil {
		t.Fatalf("RegisterRepository: %v", err)
	}
	if err := s.RecordSync(repo.NormalizedURL, true); err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	got, err := s.GetRepository(repo.NormalizedURL)
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if got.SyncCount != 1 {
		t.Errorf("SyncCount = %d, want 1", got.SyncCount)
	}
}
