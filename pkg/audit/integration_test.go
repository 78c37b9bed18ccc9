//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *DBLogger {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("webhook_test"),
		postgres.WithUsername("webhook"),
		postgres.WithPassword("webhook_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := OpenDB(ctx, DialectPostgres, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := NewDBLogger(db, DialectPostgres, nil, nil)
	require.NoError(t, err)
	return l
}

func TestDBLogger_PostgresIntegration(t *testing.T) {
	ctx := context.Background()
	l := setupPostgres(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	old := sampleRecord("old", true, now.Add(-72*time.Hour))
	rec := sampleRecord("stellar", false, now)
	require.NoError(t, l.LogDecision(ctx, old))
	require.NoError(t, l.LogDecision(ctx, rec))
	assert.NotZero(t, rec.ID)

	records, err := l.Search(ctx, SearchFilter{Namespace: "stellar"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"w1", "w2"}, records[0].Warnings)
	assert.Equal(t, rec.Plugins, records[0].Plugins)
	assert.True(t, rec.Timestamp.Equal(records[0].Timestamp))

	r, err := NewRetention(l, 24*time.Hour, "", nil)
	require.NoError(t, err)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
