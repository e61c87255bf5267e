package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Waypoints are fixed for the lifetime of a trip. Either end may be absent.
type Waypoints struct {
	Pickup  *Coord `json:"pickup,omitempty"`
	Dropoff *Coord `json:"dropoff,omitempty"`
}

// ParseWaypoint decodes the loosely typed location the trip details endpoint
// returns: a "lat,lng" string (comma, semicolon or whitespace separated) or
// an object keyed latitude/longitude, lat/lng or lat/lon. Empty and null
// values decode to nil.
func ParseWaypoint(raw json.RawMessage) (*Coord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return parseDelimited(s)
	case '{':
		var obj struct {
			Latitude  *json.Number `json:"latitude"`
			Longitude *json.Number `json:"longitude"`
			Lat       *json.Number `json:"lat"`
			Lng       *json.Number `json:"lng"`
			Lon       *json.Number `json:"lon"`
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, err
		}
		lat := firstNumber(obj.Latitude, obj.Lat)
		lon := firstNumber(obj.Longitude, obj.Lng, obj.Lon)
		if lat == nil || lon == nil {
			return nil, fmt.Errorf("waypoint object missing coordinates: %s", raw)
		}
		return toCoord(lat.String(), lon.String())
	}
	return nil, fmt.Errorf("unsupported waypoint representation: %s", raw)
}

func parseDelimited(s string) (*Coord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(parts) != 2 {
		return nil, fmt.Errorf("waypoint %q: want 2 coordinates, got %d", s, len(parts))
	}
	return toCoord(parts[0], parts[1])
}

func toCoord(latS, lonS string) (*Coord, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", latS, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", lonS, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}
	return &Coord{Lat: lat, Lon: lon}, nil
}

func firstNumber(ns ...*json.Number) *json.Number {
	for _, n := range ns {
		if n != nil {
			return n
		}
	}
	return nil
}
