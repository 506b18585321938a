package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
)

const readBlock = 5 * time.Second

// RedisStream is a Redis Streams transport. Candidates are XADDed by the
// watcher and consumed through a consumer group, so a record is redelivered
// after a crash until the processor acknowledges it. This is the
// at-least-once path; duplicate delivery is expected and handled downstream.
type RedisStream struct {
	client   *goredis.Client
	logger   *slog.Logger
	stream   string
	group    string
	consumer string
	maxLen   int64
}

// NewRedisStream connects to Redis and ensures the consumer group exists.
func NewRedisStream(cfg config.RedisConfig, logger *slog.Logger) (*RedisStream, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis transport requires an address")
	}
	if logger == nil {
		logger = slog.Default()
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

	t := &RedisStream{
		client:   client,
		logger:   logger,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		maxLen:   cfg.MaxLen,
	}
	if t.stream == "" {
		t.stream = "sentinel:candidates"
	}
	if t.group == "" {
		t.group = "incident-sentinel"
	}
	if t.consumer == "" {
		t.consumer = "worker-1"
	}

	err := client.XGroupCreateMkStream(ctx, t.stream, t.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("xgroup create %s: %w", t.stream, err)
	}

	logger.Info("redis transport connected",
		slog.String("addr", cfg.Addr),
		slog.String("stream", t.stream),
		slog.String("group", t.group))
	return t, nil
}

// Publish XADDs the candidate, trimming the stream to bound memory.
func (t *RedisStream) Publish(ctx context.Context, event models.PodFailureEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", t.stream, err)
	}
	return nil
}

// Consume reads candidates through the consumer group until ctx is cancelled.
// A record is XACKed only after fn returns nil; otherwise it stays pending
// and is reclaimed on the next pass.
func (t *RedisStream) Consume(ctx context.Context, fn Handler) error {
	// Reclaim our own pending entries first so a restart does not strand
	// records that were delivered but never acknowledged.
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := t.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{t.stream, cursor},
			Count:    16,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == goredis.Nil {
				cursor = ">"
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("redis read failed, retrying", slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered++
				event, decodeErr := decodeMessage(msg)
				if decodeErr != nil {
					// Poison record: acknowledge and move on, it will never parse.
					t.logger.Error("dropping undecodable candidate",
						slog.String("id", msg.ID), slog.Any("error", decodeErr))
					t.client.XAck(ctx, t.stream, t.group, msg.ID)
					continue
				}
				if err := fn(ctx, event); err != nil {
					t.logger.Warn("candidate left pending for redelivery",
						slog.String("id", msg.ID), slog.Any("error", err))
					continue
				}
				t.client.XAck(ctx, t.stream, t.group, msg.ID)
			}
		}

		// Once the history cursor returns nothing new, switch to live reads.
		if cursor != ">" && delivered == 0 {
			cursor = ">"
		}
	}
}

// Close releases the Redis connection.
func (t *RedisStream) Close() error {
	return t.client.Close()
}

func decodeMessage(msg goredis.XMessage) (models.PodFailureEvent, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return models.PodFailureEvent{}, fmt.Errorf("message %s missing payload field", msg.ID)
	}
	payload, ok := raw.(string)
	if !ok {
		return models.PodFailureEvent{}, fmt.Errorf("message %s payload is not a string", msg.ID)
	}
	var event models.PodFailureEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return models.PodFailureEvent{}, fmt.Errorf("unmarshal candidate: %w", err)
	}
	return event, nil
}
