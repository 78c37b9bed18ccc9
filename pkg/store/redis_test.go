package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr(), RedisOptions{MaxRetries: 1, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func storedConfig(name string) plugins.PluginConfig {
	return plugins.PluginConfig{
		Metadata:   plugins.PluginMetadata{Name: name, Version: "1.0.0"},
		BlobKey:    BlobKey([]byte(name)),
		Operations: []plugins.Operation{plugins.OperationCreate},
		Enabled:    true,
		FailOpen:   true,
	}
}

func TestNewRedisClientErrors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url", RedisOptions{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), "redis://"+addr, RedisOptions{})
	assert.Error(t, err)
}

func TestRedisRegistryStore(t *testing.T) {
	ctx := context.Background()
	client, mr := setupRedis(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	s := NewRedisRegistryStore(client, nil, StoreMetrics{Metrics: metrics})

	require.NoError(t, s.Save(ctx, storedConfig("beta")))
	require.NoError(t, s.Save(ctx, storedConfig("alpha")))

	assert.True(t, mr.Exists("plugin:alpha"))
	members, err := mr.Members("plugins")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, members)

	configs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "alpha", configs[0].Metadata.Name)
	assert.Equal(t, "beta", configs[1].Metadata.Name)
	assert.Equal(t, storedConfig("alpha"), configs[0])

	got, err := s.Get(ctx, "beta")
	require.NoError(t, err)
	assert.True(t, got.FailOpen)

	require.NoError(t, s.Delete(ctx, "beta"))
	_, err = s.Get(ctx, "beta")
	assert.True(t, plugins.IsNotFound(err))

	assert.Equal(t, float64(2), testutil.ToFloat64(
		metrics.StorageOperationsTotal.WithLabelValues("redis", "save", "success")))
	assert.NoError(t, s.HealthCheck(ctx))
}

func TestRedisRegistryStoreReplacesByName(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	s := NewRedisRegistryStore(client, nil, StoreMetrics{})

	cfg := storedConfig("alpha")
	require.NoError(t, s.Save(ctx, cfg))
	cfg.Metadata.Version = "2.0.0"
	require.NoError(t, s.Save(ctx, cfg))

	configs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "2.0.0", configs[0].Metadata.Version)
}

func TestRedisRegistryStoreDropsBrokenEntries(t *testing.T) {
	ctx := context.Background()
	client, mr := setupRedis(t)
	s := NewRedisRegistryStore(client, nil, StoreMetrics{})

	require.NoError(t, s.Save(ctx, storedConfig("good")))
	_, err := mr.SetAdd("plugins", "dangling", "corrupt")
	require.NoError(t, err)
	require.NoError(t, mr.Set("plugin:corrupt", "{not json"))

	configs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "good", configs[0].Metadata.Name)

	members, err := mr.Members("plugins")
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, members)
	assert.False(t, mr.Exists("plugin:corrupt"))
}

func TestRedisRegistryStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	client, mr := setupRedis(t)
	s := NewRedisRegistryStore(client, nil, StoreMetrics{})
	mr.Close()

	assert.Error(t, s.Save(ctx, storedConfig("alpha")))
	_, err := s.LoadAll(ctx)
	assert.Error(t, err)
	assert.Error(t, s.HealthCheck(ctx))
}

func TestRedisStatusPatcher(t *testing.T) {
	ctx := context.Background()
	client, mr := setupRedis(t)
	p := NewRedisStatusPatcher(client, "", StoreMetrics{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	sub := client.Subscribe(ctx, DefaultStatusChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	out := plugins.DbTriggerOutput{Namespace: "stellar", Name: "core-0", LedgerSequence: 42}
	require.NoError(t, p.PatchStatus(ctx, out))

	assert.Equal(t, "42", mr.HGet(StatusKey("stellar", "core-0"), "ledgerSequence"))
	assert.Equal(t, fixed.Format(time.RFC3339Nano), mr.HGet(StatusKey("stellar", "core-0"), "updatedAt"))

	select {
	case msg := <-sub.Channel():
		var update NodeStatusUpdate
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &update))
		assert.Equal(t, "core-0", update.Name)
		assert.Equal(t, uint64(42), update.LedgerSequence)
		assert.True(t, fixed.Equal(update.UpdatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("status update was not published")
	}
}
