package geo

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

func TestCaptureOrderMatchesTimeOrder(t *testing.T) {
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	prev := captureOrder(base)
	for _, d := range []time.Duration{time.Nanosecond, time.Millisecond, time.Hour, 24 * 365 * time.Hour} {
		next := captureOrder(base.Add(d))
		if !(next > prev) {
			t.Fatalf("%s not ordered after %s", next, prev)
		}
		prev = next
	}
	if captureOrder(base) != captureOrder(base.In(time.FixedZone("GST", 4*3600))) {
		t.Fatal("encoding depends on zone")
	}
}

// Requires a live Redis; set REDIS_TEST_ADDR to run.
func TestRedisGeoConcurrentUpsertsKeepNewest(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set - skipping redis integration test")
	}
	ctx := context.Background()
	key := "trip:test:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	rg := NewRedisGeo(addr, "", key)
	defer rg.Close()
	trip := "r-race"
	defer rg.client.Del(ctx, key, metaKey(trip))

	base := time.Now().UTC()
	const n = 32
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc := models.LiveLocation{Latitude: float64(i) / 10, Longitude: 55, CapturedAt: base.Add(time.Duration(i) * time.Millisecond)}
			if _, err := rg.Upsert(ctx, trip, loc); err != nil {
				t.Errorf("upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, ok, err := rg.Get(ctx, trip)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	want := base.Add((n - 1) * time.Millisecond)
	if !got.CapturedAt.Equal(want) {
		t.Fatalf("captured_at %s, want newest %s", got.CapturedAt, want)
	}

	stale := models.LiveLocation{Latitude: 1, Longitude: 1, CapturedAt: base}
	if applied, err := rg.Upsert(ctx, trip, stale); err != nil || applied {
		t.Fatalf("stale upsert applied=%v err=%v", applied, err)
	}
}
