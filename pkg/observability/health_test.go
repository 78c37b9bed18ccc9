package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckNoDependencies(t *testing.T) {
	h := NewHealthChecker(nil, nil)
	h.SetVersion("v1.2.3")

	status := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "v1.2.3", status.Version)
	assert.Empty(t, status.Dependencies)
}

func TestHealthCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker(nil, client)
	status := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)

	mr.Close()
	status = h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestHealthCheckDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	h := NewHealthChecker(db, nil)
	status := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	status = h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "connection refused", status.Dependencies["database"].Message)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckCustomChecks(t *testing.T) {
	h := NewHealthChecker(nil, nil)
	h.AddCheck("blobs", func(context.Context) error { return errors.New("s3 down") }, false)

	status := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)

	h.AddCheck("plugins", func(context.Context) error { return errors.New("none loaded") }, true)
	status = h.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "none loaded", status.Dependencies["plugins"].Message)
}
