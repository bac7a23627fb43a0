package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LocationCache keeps the latest pushed coordinates in redis so hot reads
// (trip polling, map views) skip the database. Entries expire so a stale
// cache never outlives the TTL.
type LocationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLocationCache(rdb *redis.Client, ttl time.Duration) *LocationCache {
	return &LocationCache{rdb: rdb, ttl: ttl}
}

type cachedLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func locationKey(id uuid.UUID) string {
	return fmt.Sprintf("driver:location:%s", id)
}

// Put is best effort. A cache failure is logged and the caller proceeds.
func (c *LocationCache) Put(ctx context.Context, id uuid.UUID, lat, lng float64) {
	body, err := json.Marshal(cachedLocation{Lat: lat, Lng: lng})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, locationKey(id), body, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "location cache set failed", "driver_id", id, "error", err)
	}
}

func (c *LocationCache) Get(ctx context.Context, id uuid.UUID) (lat, lng float64, ok bool) {
	body, err := c.rdb.Get(ctx, locationKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.WarnContext(ctx, "location cache get failed", "driver_id", id, "error", err)
		}
		return 0, 0, false
	}
	var loc cachedLocation
	if err := json.Unmarshal(body, &loc); err != nil {
		return 0, 0, false
	}
	return loc.Lat, loc.Lng, true
}
