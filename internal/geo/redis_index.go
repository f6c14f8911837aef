package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/instapool/internal/models"
)

// Neighbor is a user placed near a query point by the index.
type Neighbor struct {
	UserID    string
	Location  models.Point
	DistanceM float64
}

// RedisIndex keeps current user locations in a Redis GEO set so the
// nearby feed can answer radius queries without touching the store.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

// NewRedisIndexWithClient wires an existing client, used by the consumer.
func NewRedisIndexWithClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, userID string, p models.Point) error {
	if err := Validate(p); err != nil {
		return err
	}
	_, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: userID}).Result()
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(userID), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

// Nearby returns users within radiusM meters of p, closest first.
func (r *RedisIndex) Nearby(ctx context.Context, p models.Point, radiusM float64, limit int) ([]Neighbor, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(res))
	for _, g := range res {
		out = append(out, Neighbor{
			UserID:    g.Name,
			Location:  models.Point{Lon: g.Longitude, Lat: g.Latitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }

func metaKey(id string) string { return "user:meta:" + id }
