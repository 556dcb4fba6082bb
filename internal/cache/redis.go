// Package cache is the durable local copy of reports and users, backed by a
// Redis instance with persistence enabled. It is the source of truth while
// the remote store is unreachable. It also holds the pending-sync queue and
// the RHI history.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roadwatch/api/internal/store"
)

// StorageError is a failure of the local storage medium. The cache never
// retries; callers treat it as fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

func NewWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "roadwatch:",
	}
}

func (c *RedisCache) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// Get returns the cached report, with ok=false when the id is unknown.
func (c *RedisCache) Get(ctx context.Context, id string) (store.Report, bool, error) {
	raw, err := c.client.HGet(ctx, c.key("reports"), id).Result()
	if errors.Is(err, redis.Nil) {
		return store.Report{}, false, nil
	}
	if err != nil {
		return store.Report{}, false, &StorageError{Op: "get report", Err: err}
	}

	var report store.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return store.Report{}, false, &StorageError{Op: "decode report " + id, Err: err}
	}
	return report, true, nil
}

// GetAll returns every cached report, newest first.
func (c *RedisCache) GetAll(ctx context.Context) ([]store.Report, error) {
	values, err := c.client.HVals(ctx, c.key("reports")).Result()
	if err != nil {
		return nil, &StorageError{Op: "list reports", Err: err}
	}

	reports := make([]store.Report, 0, len(values))
	for _, raw := range values {
		var report store.Report
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			return nil, &StorageError{Op: "decode report", Err: err}
		}
		reports = append(reports, report)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports, nil
}

// Put overwrites the whole record stored under report.ID.
func (c *RedisCache) Put(ctx context.Context, report store.Report) error {
	if report.ID == "" {
		return &StorageError{Op: "put report", Err: errors.New("report id is empty")}
	}
	data, err := json.Marshal(report)
	if err != nil {
		return &StorageError{Op: "encode report " + report.ID, Err: err}
	}
	if err := c.client.HSet(ctx, c.key("reports"), report.ID, data).Err(); err != nil {
		return &StorageError{Op: "put report", Err: err}
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	if err := c.client.HDel(ctx, c.key("reports"), id).Err(); err != nil {
		return &StorageError{Op: "delete report", Err: err}
	}
	return nil
}

// Client exposes the connection so the token revocation list can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}
