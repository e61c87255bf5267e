package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceMetersIdentityAndSymmetry(t *testing.T) {
	points := []models.Coord{
		{Lat: 25.2048, Lon: 55.2708},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 89.9, Lon: -179.9},
		{Lat: 0, Lon: 0},
	}
	for _, a := range points {
		if d := DistanceMeters(a, a); d != 0 {
			t.Fatalf("distance(%v,%v) = %f, want 0", a, a, d)
		}
		for _, b := range points {
			if DistanceMeters(a, b) != DistanceMeters(b, a) {
				t.Fatalf("distance not symmetric for %v %v", a, b)
			}
		}
	}
}

func TestDistanceMetersKnownValue(t *testing.T) {
	// One degree of latitude on a 6371 km sphere.
	d := DistanceMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	want := earthRadiusMeters * math.Pi / 180
	if math.Abs(d-want) > 1e-6 {
		t.Fatalf("got %f, want %f", d, want)
	}
}

func TestOffsetDistance(t *testing.T) {
	origin := models.Coord{Lat: 25.2048, Lon: 55.2708}
	for _, m := range []float64{29, 30, 31, 49, 50, 51, 1000} {
		p := Offset(origin, m, 90)
		if got := DistanceMeters(origin, p); math.Abs(got-m) > 1e-6 {
			t.Fatalf("offset %fm measured %f", m, got)
		}
	}
}

func TestIndexLastWriteWins(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()
	newer := models.LiveLocation{Latitude: 1, Longitude: 1, CapturedAt: now}
	older := models.LiveLocation{Latitude: 2, Longitude: 2, CapturedAt: now.Add(-time.Second)}

	if ok, _ := idx.Upsert(ctx, "t1", newer); !ok {
		t.Fatal("first upsert should apply")
	}
	if ok, _ := idx.Upsert(ctx, "t1", older); ok {
		t.Fatal("older sample should be ignored")
	}
	got, ok, _ := idx.Get(ctx, "t1")
	if !ok || got.Latitude != 1 {
		t.Fatalf("unexpected live location %+v", got)
	}
	if _, ok, _ := idx.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for unknown trip")
	}
}
