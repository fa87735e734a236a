package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client the reporter uses.
type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisConfig names where health is published.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Instance string
	TTL      time.Duration
}

// RedisReporter stores the latest health under {prefix}:health:{instance}
// with a TTL and publishes it on {prefix}:health, so peers and dashboards
// see instances that stop reporting expire.
type RedisReporter struct {
	client   redisClient
	key      string
	channel  string
	instance string
	ttl      time.Duration
}

type redisPayload struct {
	Instance      string    `json:"instance"`
	WhisperLoaded bool      `json:"whisper_loaded"`
	ActiveRooms   int       `json:"active_rooms"`
	ReportedAt    time.Time `json:"reported_at"`
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisReporter creates a reporter over client.
func NewRedisReporter(client redisClient, cfg RedisConfig) *RedisReporter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "voice-relay"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisReporter{
		client:   client,
		key:      fmt.Sprintf("%s:health:%s", prefix, cfg.Instance),
		channel:  prefix + ":health",
		instance: cfg.Instance,
		ttl:      ttl,
	}
}

func (r *RedisReporter) Report(ctx context.Context, modelReady bool, activeRooms int) error {
	body, err := json.Marshal(redisPayload{
		Instance:      r.instance,
		WhisperLoaded: modelReady,
		ActiveRooms:   activeRooms,
		ReportedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err = r.client.Set(ctx, r.key, body, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", r.key, err)
	}
	if err = r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}
