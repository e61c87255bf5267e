package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-tracking/internal/models"
)

// RedisGeo implements Store using Redis GEO commands, with capture time and
// accuracy kept in a per-trip hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoFromClient shares an existing client.
func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

// upsertScript compares and writes in one step so concurrent foreground and
// background pushes cannot interleave. captured_ns is zero-padded, so string
// order is time order. A sample equal to the stored one is applied.
var upsertScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], 'captured_ns')
if prev and prev > ARGV[4] then
	return 0
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], 'captured_ns', ARGV[4], 'captured_at', ARGV[5])
if ARGV[6] ~= '' then
	redis.call('HSET', KEYS[2], 'accuracy', ARGV[6])
else
	redis.call('HDEL', KEYS[2], 'accuracy')
end
return 1
`)

func (r *RedisGeo) Upsert(ctx context.Context, tripID string, loc models.LiveLocation) (bool, error) {
	accuracy := ""
	if loc.Accuracy != nil {
		accuracy = strconv.FormatFloat(*loc.Accuracy, 'f', -1, 64)
	}
	applied, err := upsertScript.Run(ctx, r.client, []string{r.key, metaKey(tripID)},
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		tripID,
		captureOrder(loc.CapturedAt),
		loc.CapturedAt.UTC().Format(time.RFC3339Nano),
		accuracy,
	).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

// captureOrder encodes t so that lexical order matches time order.
func captureOrder(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func (r *RedisGeo) Get(ctx context.Context, tripID string) (models.LiveLocation, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, tripID).Result()
	if err != nil {
		return models.LiveLocation{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.LiveLocation{}, false, nil
	}
	loc := models.LiveLocation{Latitude: pos[0].Latitude, Longitude: pos[0].Longitude}
	if m, err := r.client.HGetAll(ctx, metaKey(tripID)).Result(); err == nil {
		if v, ok := m["captured_at"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				loc.CapturedAt = ts
			}
		}
		if v, ok := m["accuracy"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				loc.Accuracy = &f
			}
		}
	}
	return loc, true, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "trip:live:" + id }
