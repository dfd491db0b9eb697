package test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/hrygo/agentruntime/internal/profile"
	"github.com/hrygo/agentruntime/internal/version"
	"github.com/hrygo/agentruntime/store"
	"github.com/hrygo/agentruntime/store/db"
)

// NewTestingStore returns a migrated store backed by the driver selected with DRIVER.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	profile := getTestingProfile(t)
	dbDriver, err := db.NewDBDriver(profile)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	s := store.New(dbDriver, profile)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func getTestingProfile(t *testing.T) *profile.Profile {
	dir := t.TempDir()
	mode := "prod"
	driver := getDriverFromEnv()

	var dsn string
	switch driver {
	case "postgres":
		dsn = GetPostgresDSN(t)
	default:
		dsn = fmt.Sprintf("%s/agentruntime_%s.db", dir, mode)
	}

	return &profile.Profile{
		Mode:                 mode,
		Port:                 8080,
		Data:                 dir,
		DSN:                  dsn,
		Driver:               driver,
		Version:              version.GetCurrentVersion(mode),
		MaxAgentsPerInstance: 50,
		MaxSessionsPerAgent:  100,
	}
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}
