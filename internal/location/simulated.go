package location

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

// SimulatedProvider replays a fixed route, one point per interval, and holds
// the final point once the route is exhausted. It stands in for a device GPS
// when the tracker runs on a workstation.
type SimulatedProvider struct {
	route    []models.Coord
	interval time.Duration
	accuracy float64

	mu  sync.Mutex
	pos int
}

func NewSimulatedProvider(route []models.Coord, interval time.Duration, accuracyMeters float64) (*SimulatedProvider, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("simulated route is empty")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SimulatedProvider{route: route, interval: interval, accuracy: accuracyMeters}, nil
}

// LoadRoute reads a JSON array whose elements are any waypoint form
// ParseWaypoint understands.
func LoadRoute(path string) ([]models.Coord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode route %s: %w", path, err)
	}
	out := make([]models.Coord, 0, len(raw))
	for i, r := range raw {
		c, err := models.ParseWaypoint(r)
		if err != nil {
			return nil, fmt.Errorf("route point %d: %w", i, err)
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *SimulatedProvider) CurrentPosition(ctx context.Context, _ Options) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return s.next(), nil
}

func (s *SimulatedProvider) Watch(ctx context.Context, _ Options, onFix func(Fix), _ func(error)) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			onFix(s.next())
		}
	}
}

func (s *SimulatedProvider) next() Fix {
	s.mu.Lock()
	c := s.route[s.pos]
	if s.pos < len(s.route)-1 {
		s.pos++
	}
	s.mu.Unlock()
	acc := s.accuracy
	return Fix{Latitude: c.Lat, Longitude: c.Lon, Accuracy: &acc, Timestamp: time.Now()}
}
