package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisList       = "stagehand:notifications"
	defaultRedisMaxEntries = 1000
)

// RedisNotifier pushes notifications onto a Redis list that external
// consumers drain. The list is trimmed so an idle consumer cannot grow
// it without bound.
type RedisNotifier struct {
	client     *redis.Client
	list       string
	maxEntries int64
}

func NewRedisNotifier(config map[string]any) (*RedisNotifier, error) {
	addr, _ := config["addr"].(string)
	if addr == "" {
		addr = "localhost:6379"
	}

	options := &redis.Options{Addr: addr}

	if password, ok := config["password"].(string); ok {
		options.Password = password
	}

	if db, ok := config["db"].(float64); ok {
		options.DB = int(db)
	}

	n := &RedisNotifier{
		client:     redis.NewClient(options),
		list:       defaultRedisList,
		maxEntries: defaultRedisMaxEntries,
	}

	if list, ok := config["list"].(string); ok && list != "" {
		n.list = list
	}

	if maxEntries, ok := config["max_entries"].(float64); ok && maxEntries > 0 {
		n.maxEntries = int64(maxEntries)
	}

	return n, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, notification Notification, logger *slog.Logger) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, n.list, payload)
	pipe.LTrim(ctx, n.list, 0, n.maxEntries-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push notification to redis: %w", err)
	}

	logger.Debug("redis notification pushed",
		"instance_id", notification.InstanceID, "list", n.list)

	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

type RedisNotifierFactory struct{}

func NewRedisNotifierFactory() *RedisNotifierFactory {
	return &RedisNotifierFactory{}
}

func (*RedisNotifierFactory) ID() string {
	return "redis"
}

func (*RedisNotifierFactory) Name() string {
	return "Redis"
}

func (*RedisNotifierFactory) Description() string {
	return "Pushes notifications onto a Redis list for external consumers."
}

func (f *RedisNotifierFactory) Create(_ context.Context, config map[string]any) (Notifier, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewRedisNotifier(config)
}

func (f *RedisNotifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"addr": map[string]any{
				"type":        "string",
				"description": "Redis host:port.",
				"default":     "localhost:6379",
			},
			"password": map[string]any{"type": "string"},
			"db":       map[string]any{"type": "integer"},
			"list": map[string]any{
				"type":        "string",
				"description": "List key notifications are pushed to.",
				"default":     defaultRedisList,
			},
			"max_entries": map[string]any{
				"type":        "integer",
				"description": "List length cap enforced with LTRIM.",
				"default":     defaultRedisMaxEntries,
			},
		},
	}
}
