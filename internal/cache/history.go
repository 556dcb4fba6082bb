package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"roadwatch/api/internal/rhi"
)

const historyDateLayout = "2006-01-02"

// SaveHistoryPoint writes the day's score for a zone, replacing any earlier
// score from the same day, and drops points older than retainDays.
func (c *RedisCache) SaveHistoryPoint(ctx context.Context, point rhi.HistoryPoint, retainDays int) error {
	key := c.key("rhi", "history", point.Zone)
	if err := c.client.HSet(ctx, key, point.Date, point.Score).Err(); err != nil {
		return &StorageError{Op: "save rhi history", Err: err}
	}

	day, err := time.Parse(historyDateLayout, point.Date)
	if err != nil || retainDays <= 0 {
		return nil
	}
	cutoff := day.AddDate(0, 0, -retainDays).Format(historyDateLayout)

	dates, err := c.client.HKeys(ctx, key).Result()
	if err != nil {
		return &StorageError{Op: "list rhi history", Err: err}
	}
	var stale []string
	for _, date := range dates {
		if date < cutoff {
			stale = append(stale, date)
		}
	}
	if len(stale) > 0 {
		if err := c.client.HDel(ctx, key, stale...).Err(); err != nil {
			return &StorageError{Op: "prune rhi history", Err: err}
		}
	}
	return nil
}

// History returns a zone's points oldest first.
func (c *RedisCache) History(ctx context.Context, zone string) ([]rhi.HistoryPoint, error) {
	values, err := c.client.HGetAll(ctx, c.key("rhi", "history", zone)).Result()
	if err != nil {
		return nil, &StorageError{Op: "load rhi history", Err: err}
	}

	points := make([]rhi.HistoryPoint, 0, len(values))
	for date, raw := range values {
		score, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		points = append(points, rhi.HistoryPoint{Zone: zone, Date: date, Score: score})
	}
	rhi.SortHistory(points)
	return points, nil
}

func (c *RedisCache) SaveSnapshot(ctx context.Context, city rhi.CityScore) error {
	data, err := json.Marshal(city)
	if err != nil {
		return &StorageError{Op: "encode rhi snapshot", Err: err}
	}
	if err := c.client.Set(ctx, c.key("rhi", "snapshot"), data, 0).Err(); err != nil {
		return &StorageError{Op: "save rhi snapshot", Err: err}
	}
	return nil
}

func (c *RedisCache) Snapshot(ctx context.Context) (rhi.CityScore, bool, error) {
	raw, err := c.client.Get(ctx, c.key("rhi", "snapshot")).Result()
	if errors.Is(err, redis.Nil) {
		return rhi.CityScore{}, false, nil
	}
	if err != nil {
		return rhi.CityScore{}, false, &StorageError{Op: "load rhi snapshot", Err: err}
	}

	var city rhi.CityScore
	if err := json.Unmarshal([]byte(raw), &city); err != nil {
		return rhi.CityScore{}, false, &StorageError{Op: "decode rhi snapshot", Err: err}
	}
	return city, true, nil
}
