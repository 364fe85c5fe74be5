package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/silverbullet/storage"
	"github.com/jmcleod/silverbullet/storage/storagetest"
)

func cleanTables(ctx context.Context, pool *pgxpool.Pool) {
	pool.Exec(ctx, "DELETE FROM silverbullet_certificate") //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM silverbullet_invitation")  //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM silverbullet_user")        //nolint:errcheck
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := os.Getenv("SILVERBULLET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SILVERBULLET_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool), "could not ensure schema")

	// Clean tables for test isolation.
	cleanTables(ctx, pool)
	t.Cleanup(func() {
		cleanTables(ctx, pool)
		pool.Close()
	})
	return NewStore(pool)
}

func TestPostgresStore(t *testing.T) {
	storagetest.Run(t, newTestStore)
}
