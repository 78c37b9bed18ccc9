package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

const (
	pluginKeyPrefix = "plugin:"
	pluginSetKey    = "plugins"
)

// RedisOptions tunes the Redis connection
type RedisOptions struct {
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// NewRedisClient parses url, applies opts and pings the server
func NewRedisClient(ctx context.Context, url string, opts RedisOptions) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB > 0 {
		redisOpts.DB = opts.DB
	}
	if opts.MaxRetries > 0 {
		redisOpts.MaxRetries = opts.MaxRetries
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}

	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second
	redisOpts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisRegistryStore persists plugin configs as JSON under plugin:<name>,
// with the names indexed in the plugins set
type RedisRegistryStore struct {
	client  *redis.Client
	logger  *logrus.Logger
	metrics StoreMetrics
}

// NewRedisRegistryStore creates a registry store on client
func NewRedisRegistryStore(client *redis.Client, logger *logrus.Logger, metrics StoreMetrics) *RedisRegistryStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisRegistryStore{client: client, logger: logger, metrics: metrics}
}

func pluginKey(name string) string {
	return pluginKeyPrefix + name
}

// Save stores cfg, replacing any config with the same name
func (s *RedisRegistryStore) Save(ctx context.Context, cfg plugins.PluginConfig) (err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "redis", "save", start, err) }()

	name := cfg.Metadata.Name
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin config: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pluginKey(name), data, 0)
		pipe.SAdd(ctx, pluginSetKey, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save plugin %s: %w", name, err)
	}
	return nil
}

// Delete removes the config stored under name
func (s *RedisRegistryStore) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "redis", "delete", start, err) }()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pluginKey(name))
		pipe.SRem(ctx, pluginSetKey, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete plugin %s: %w", name, err)
	}
	return nil
}

// Get returns the config stored under name
func (s *RedisRegistryStore) Get(ctx context.Context, name string) (plugins.PluginConfig, error) {
	data, err := s.client.Get(ctx, pluginKey(name)).Bytes()
	if err == redis.Nil {
		return plugins.PluginConfig{}, plugins.NewError(plugins.KindNotFound, name, "plugin not persisted", nil)
	} else if err != nil {
		return plugins.PluginConfig{}, fmt.Errorf("redis get failed: %w", err)
	}

	var cfg plugins.PluginConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return plugins.PluginConfig{}, fmt.Errorf("failed to unmarshal plugin %s: %w", name, err)
	}
	return cfg, nil
}

// LoadAll returns every persisted config sorted by name. Dangling set
// members are removed; corrupt entries are deleted and skipped.
func (s *RedisRegistryStore) LoadAll(ctx context.Context) (configs []plugins.PluginConfig, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "redis", "load_all", start, err) }()

	names, err := s.client.SMembers(ctx, pluginSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := s.client.Get(ctx, pluginKey(name)).Bytes()
		if err == redis.Nil {
			s.logger.Warnf("Plugin %s is indexed but not stored, dropping it", name)
			s.client.SRem(ctx, pluginSetKey, name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}

		var cfg plugins.PluginConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			s.logger.WithError(err).Warnf("Deleting corrupt persisted plugin %s", name)
			s.client.Del(ctx, pluginKey(name))
			s.client.SRem(ctx, pluginSetKey, name)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// HealthCheck pings Redis
func (s *RedisRegistryStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
