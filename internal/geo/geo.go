package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/trip-tracking/internal/models"
)

const earthRadiusMeters = 6371000.0

// Store keeps the latest live location per trip. Upsert applies a location
// only when it is not older than the stored one and reports whether it did.
type Store interface {
	Upsert(ctx context.Context, tripID string, loc models.LiveLocation) (bool, error)
	Get(ctx context.Context, tripID string) (models.LiveLocation, bool, error)
}

type Index struct {
	mu    sync.RWMutex
	trips map[string]models.LiveLocation
}

func NewIndex() *Index {
	return &Index{trips: make(map[string]models.LiveLocation)}
}

func (g *Index) Upsert(_ context.Context, tripID string, loc models.LiveLocation) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.trips[tripID]; ok && loc.CapturedAt.Before(cur.CapturedAt) {
		return false, nil
	}
	g.trips[tripID] = loc
	return true, nil
}

func (g *Index) Get(_ context.Context, tripID string) (models.LiveLocation, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.trips[tripID]
	return loc, ok, nil
}

// DistanceMeters is the great-circle distance between two points. Ellipsoidal
// flattening is ignored, which is fine at geofence scale.
func DistanceMeters(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Offset returns the point reached by moving meters along bearingDeg
// (clockwise from north) from origin.
func Offset(origin models.Coord, meters, bearingDeg float64) models.Coord {
	lat1 := origin.Lat * math.Pi / 180
	lon1 := origin.Lon * math.Pi / 180
	brg := bearingDeg * math.Pi / 180
	ad := meters / earthRadiusMeters
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ad) + math.Cos(lat1)*math.Sin(ad)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(ad)*math.Cos(lat1), math.Cos(ad)-math.Sin(lat1)*math.Sin(lat2))
	return models.Coord{Lat: lat2 * 180 / math.Pi, Lon: lon2 * 180 / math.Pi}
}
