package cache

import (
	"context"
	"sort"
)

// Enqueue adds a report id to the pending-sync set. Adding an id that is
// already queued is a no-op.
func (c *RedisCache) Enqueue(ctx context.Context, id string) error {
	if err := c.client.SAdd(ctx, c.key("sync", "queue"), id).Err(); err != nil {
		return &StorageError{Op: "enqueue " + id, Err: err}
	}
	return nil
}

func (c *RedisCache) Dequeue(ctx context.Context, id string) error {
	if err := c.client.SRem(ctx, c.key("sync", "queue"), id).Err(); err != nil {
		return &StorageError{Op: "dequeue " + id, Err: err}
	}
	return nil
}

// Pending lists queued ids in a stable order.
func (c *RedisCache) Pending(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.key("sync", "queue")).Result()
	if err != nil {
		return nil, &StorageError{Op: "list sync queue", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *RedisCache) IsQueued(ctx context.Context, id string) (bool, error) {
	queued, err := c.client.SIsMember(ctx, c.key("sync", "queue"), id).Result()
	if err != nil {
		return false, &StorageError{Op: "check sync queue", Err: err}
	}
	return queued, nil
}

// MarkConflict holds a report id whose local edit was rejected by the remote
// store. The local copy stays until the edit is discarded or saved again.
func (c *RedisCache) MarkConflict(ctx context.Context, id string) error {
	if err := c.client.SAdd(ctx, c.key("sync", "conflicts"), id).Err(); err != nil {
		return &StorageError{Op: "mark conflict " + id, Err: err}
	}
	return nil
}

func (c *RedisCache) ClearConflict(ctx context.Context, id string) error {
	if err := c.client.SRem(ctx, c.key("sync", "conflicts"), id).Err(); err != nil {
		return &StorageError{Op: "clear conflict " + id, Err: err}
	}
	return nil
}

func (c *RedisCache) Conflicts(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.key("sync", "conflicts")).Result()
	if err != nil {
		return nil, &StorageError{Op: "list sync conflicts", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}
