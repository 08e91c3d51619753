package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shopper-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Only online providers
// are kept in the geo set; metadata lives in a hash per provider.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.Presence) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	loc, ok := p.KnownLocation()
	pipe := r.client.TxPipeline()
	if ok {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: p.ProviderID})
	} else {
		pipe.ZRem(ctx, r.key, p.ProviderID)
	}
	pipe.HSet(ctx, metaKey(p.ProviderID), map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"updated": updated.UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", p.ProviderID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	if radiusKm <= 0 {
		// GEOSEARCH needs a bound; half the earth's circumference covers everything.
		radiusKm = 20038
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		out = append(out, Nearby{
			ProviderID: g.Name,
			Location:   models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func metaKey(id string) string { return "provider:meta:" + id }
