package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// DefaultStatusChannel is the pub/sub channel status updates are published on
const DefaultStatusChannel = "node-status"

// NodeStatusUpdate is the message published for each trigger output
type NodeStatusUpdate struct {
	Namespace      string    `json:"namespace"`
	Name           string    `json:"name"`
	LedgerSequence uint64    `json:"ledgerSequence"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RedisStatusPatcher records node status updates in a hash per node
// (node-status:<namespace>/<name>) and publishes them for the operator
type RedisStatusPatcher struct {
	client  *redis.Client
	channel string
	metrics StoreMetrics
	now     func() time.Time
}

// NewRedisStatusPatcher creates a patcher; an empty channel selects DefaultStatusChannel
func NewRedisStatusPatcher(client *redis.Client, channel string, metrics StoreMetrics) *RedisStatusPatcher {
	if channel == "" {
		channel = DefaultStatusChannel
	}
	return &RedisStatusPatcher{client: client, channel: channel, metrics: metrics, now: time.Now}
}

// StatusKey returns the hash key holding a node's status
func StatusKey(namespace, name string) string {
	return fmt.Sprintf("node-status:%s/%s", namespace, name)
}

// PatchStatus stores and publishes out
func (p *RedisStatusPatcher) PatchStatus(ctx context.Context, out plugins.DbTriggerOutput) (err error) {
	start := time.Now()
	defer func() { p.metrics.record(ctx, "redis", "patch_status", start, err) }()

	update := NodeStatusUpdate{
		Namespace:      out.Namespace,
		Name:           out.Name,
		LedgerSequence: out.LedgerSequence,
		UpdatedAt:      p.now().UTC(),
	}
	msg, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, StatusKey(out.Namespace, out.Name),
			"ledgerSequence", out.LedgerSequence,
			"updatedAt", update.UpdatedAt.Format(time.RFC3339Nano),
		)
		pipe.Publish(ctx, p.channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to patch status of %s/%s: %w", out.Namespace, out.Name, err)
	}
	return nil
}
