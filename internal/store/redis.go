package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "plan:"

// RedisDocuments implements Documents with one JSON string per document path.
type RedisDocuments struct {
	client *redis.Client
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisDocuments wraps an existing client. The caller owns the client.
func NewRedisDocuments(client *redis.Client) *RedisDocuments {
	return &RedisDocuments{client: client}
}

func redisDocumentKey(path string) string {
	return redisKeyPrefix + path
}

// Get returns the plan record stored at path.
func (r *RedisDocuments) Get(ctx context.Context, path string) (*domain.PlanRecord, error) {
	data, err := r.client.Get(ctx, redisDocumentKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan document %s: %w", path, err)
	}

	var record domain.PlanRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode plan document %s: %w", path, err)
	}
	return &record, nil
}

// Put overwrites the plan record at path.
func (r *RedisDocuments) Put(ctx context.Context, path string, record *domain.PlanRecord) error {
	if record == nil {
		return fmt.Errorf("put plan document %s: nil record", path)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode plan document: %w", err)
	}
	if err := r.client.Set(ctx, redisDocumentKey(path), data, 0).Err(); err != nil {
		return fmt.Errorf("set plan document %s: %w", path, err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *RedisDocuments) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
