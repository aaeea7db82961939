//go:build integration

package testutil

import (
	"context"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ledgerline/einvoicing/internal/shared/database"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
)

// NewPostgres starts a migrated Postgres container for the lifetime of t.
func NewPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("einvoicing"),
		tcpostgres.WithUsername("einvoicing"),
		tcpostgres.WithPassword("einvoicing"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := database.Open(ctx, dsn, 10)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(db.Close)

	if err := database.Migrate(ctx, db.Pool, logging.Nop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
