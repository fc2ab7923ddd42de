package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// RedisLastKnown keeps the last accepted position of each driver in Redis
// using GEOADD plus a metadata hash.
type RedisLastKnown struct {
	client *redis.Client
	key    string
}

func NewRedisLastKnown(addr, password, key string) *RedisLastKnown {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLastKnown{client: c, key: key}
}

// Record stores the sample under the driver id.
func (r *RedisLastKnown) Record(ctx context.Context, driverID, rideID string, s models.LocationSample) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	meta := map[string]interface{}{
		"lat":      strconv.FormatFloat(s.Lat, 'f', models.CoordPrecision, 64),
		"lon":      strconv.FormatFloat(s.Lon, 'f', models.CoordPrecision, 64),
		"geohash":  geohash.Encode(s.Lat, s.Lon),
		"ride_id":  rideID,
		"captured": s.CapturedAt.UTC().Format(time.RFC3339Nano),
		"updated":  time.Now().UTC().Format(time.RFC3339),
	}
	if s.Accuracy != nil {
		meta["accuracy"] = fmt.Sprintf("%f", *s.Accuracy)
	}
	if err := r.client.HSet(ctx, metaKey(driverID), meta).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", driverID, err)
	}
	return nil
}

// Get returns the last known position for a driver.
func (r *RedisLastKnown) Get(ctx context.Context, driverID string) (models.LocationSample, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.LocationSample{}, false, err
	}
	if len(m) == 0 {
		return models.LocationSample{}, false, nil
	}
	var s models.LocationSample
	if s.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return models.LocationSample{}, false, fmt.Errorf("lat for %s: %w", driverID, err)
	}
	if s.Lon, err = strconv.ParseFloat(m["lon"], 64); err != nil {
		return models.LocationSample{}, false, fmt.Errorf("lon for %s: %w", driverID, err)
	}
	if v, ok := m["accuracy"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Accuracy = &f
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, m["captured"]); err == nil {
		s.CapturedAt = t
	}
	return s, true, nil
}

func (r *RedisLastKnown) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisLastKnown) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:last:" + id }
