package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
)

const keyPrefix = "sentinel:dedup:"

// RedisStore is a shared suppression set for multi-replica deployments:
// SET NX with a millisecond TTL makes first-occurrence admission atomic
// across processes, and expiry enforces the window server-side.
type RedisStore struct {
	client *goredis.Client
	logger *slog.Logger
	window time.Duration
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(cfg config.RedisConfig, window time.Duration, logger *slog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("shared dedup requires a redis address")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, logger: logger, window: window}, nil
}

// ShouldSuppress admits the first caller per key per window. The TTL is set
// only on first insert, so repeats never push the window forward. A Redis
// failure fails open: a duplicate notification beats a silently dropped one.
func (s *RedisStore) ShouldSuppress(ctx context.Context, key models.DedupKey) bool {
	set, err := s.client.SetNX(ctx, keyPrefix+key.String(), "1", s.window).Result()
	if err != nil {
		s.logger.Warn("dedup store unreachable, admitting candidate",
			slog.String("key", key.String()), slog.Any("error", err))
		return false
	}
	return !set
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
