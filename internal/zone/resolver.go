// Package zone maps coordinates onto the administrative zones RSOs are
// responsible for.
package zone

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

type area struct {
	name string
	rect s2.Rect
}

type Resolver struct {
	areas []area
}

// ParseBounds builds a resolver from zone -> "minLat minLng maxLat maxLng".
func ParseBounds(bounds map[string]string) (*Resolver, error) {
	r := &Resolver{}
	for name, raw := range bounds {
		fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
		if len(fields) != 4 {
			return nil, fmt.Errorf("zone %s: want 4 coordinates, got %q", name, raw)
		}
		var v [4]float64
		for i, f := range fields {
			parsed, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", name, err)
			}
			v[i] = parsed
		}
		if err := r.Add(name, v[0], v[1], v[2], v[3]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a lat/lng rectangle in degrees.
func (r *Resolver) Add(name string, minLat, minLng, maxLat, maxLng float64) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("zone: empty name")
	}
	lo := s2.LatLngFromDegrees(minLat, minLng)
	hi := s2.LatLngFromDegrees(maxLat, maxLng)
	rect := s2.Rect{
		Lat: r1.Interval{Lo: lo.Lat.Radians(), Hi: hi.Lat.Radians()},
		Lng: s1.IntervalFromEndpoints(lo.Lng.Radians(), hi.Lng.Radians()),
	}
	if !rect.IsValid() || rect.IsEmpty() || minLat > maxLat {
		return fmt.Errorf("zone %s: invalid bounds", name)
	}
	r.areas = append(r.areas, area{name: name, rect: rect})
	sort.Slice(r.areas, func(i, j int) bool {
		ai, aj := r.areas[i].rect.Area(), r.areas[j].rect.Area()
		if ai != aj {
			return ai < aj
		}
		return r.areas[i].name < r.areas[j].name
	})
	return nil
}

// Resolve returns the zone containing the point. Where zones overlap the
// smallest one wins.
func (r *Resolver) Resolve(lat, lng float64) (string, bool) {
	if r == nil {
		return "", false
	}
	ll := s2.LatLngFromDegrees(lat, lng)
	for _, a := range r.areas {
		if a.rect.ContainsLatLng(ll) {
			return a.name, true
		}
	}
	return "", false
}

func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.areas)
}
