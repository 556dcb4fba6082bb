package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"roadwatch/api/internal/store"
)

// cachedUser keeps the password hash that store.User hides from JSON so a
// returning user can still log in while the remote store is down.
type cachedUser struct {
	store.User
	PasswordHash string `json:"passwordHash"`
}

// PutUser stores the user and its lower-cased username index.
func (c *RedisCache) PutUser(ctx context.Context, user store.User) error {
	data, err := json.Marshal(cachedUser{User: user, PasswordHash: user.PasswordHash})
	if err != nil {
		return &StorageError{Op: "encode user " + user.ID, Err: err}
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("users"), user.ID, data)
	pipe.HSet(ctx, c.key("usernames"), strings.ToLower(user.Username), user.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &StorageError{Op: "put user", Err: err}
	}
	return nil
}

func (c *RedisCache) GetUser(ctx context.Context, id string) (store.User, bool, error) {
	raw, err := c.client.HGet(ctx, c.key("users"), id).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, &StorageError{Op: "get user", Err: err}
	}

	var cached cachedUser
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return store.User{}, false, &StorageError{Op: "decode user " + id, Err: err}
	}
	user := cached.User
	user.PasswordHash = cached.PasswordHash
	return user, true, nil
}

func (c *RedisCache) GetUserByUsername(ctx context.Context, username string) (store.User, bool, error) {
	id, err := c.client.HGet(ctx, c.key("usernames"), strings.ToLower(username)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, &StorageError{Op: "lookup username", Err: err}
	}
	return c.GetUser(ctx, id)
}
