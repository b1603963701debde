// Package h3mapper assigns graphics to H3 cells.
package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellForPoint(p orb.Point, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat(), Lng: p.Lon()}, res)
	if err != nil {
		return "", fmt.Errorf("h3 latlng to cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) CellsForBound(b orb.Bound, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	// rectangular loop in degrees
	outer := h3.GeoLoop{
		{Lat: b.Min.Lat(), Lng: b.Min.Lon()},
		{Lat: b.Min.Lat(), Lng: b.Max.Lon()},
		{Lat: b.Max.Lat(), Lng: b.Max.Lon()},
		{Lat: b.Max.Lat(), Lng: b.Min.Lon()},
	}
	return polyfillOne(outer, nil, res)
}

func (m *Mapper) CellsForPolygon(poly orb.Polygon, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if len(poly) == 0 {
		return nil, errors.New("empty polygon")
	}
	outer := toLoop(poly[0])
	var holes []h3.GeoLoop
	for i := 1; i < len(poly); i++ {
		holes = append(holes, toLoop(poly[i]))
	}
	return polyfillOne(outer, holes, res)
}

// CellsForGeometry indexes points by their cell, lines by the cells of their
// vertices and polygons by the cells whose centers they cover. Polygons smaller
// than a cell fall back to the cell of their bound center.
func (m *Mapper) CellsForGeometry(g graphic.Geometry, res int) ([]string, error) {
	switch v := g.(type) {
	case graphic.Point:
		c, err := m.CellForPoint(orb.Point{v.X, v.Y}, res)
		if err != nil {
			return nil, err
		}
		return []string{c}, nil
	case graphic.Polyline:
		seen := map[string]struct{}{}
		var out []string
		for _, path := range v.Paths {
			for _, p := range path {
				c, err := m.CellForPoint(p, res)
				if err != nil {
					return nil, err
				}
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
		}
		sort.Strings(out)
		return out, nil
	case graphic.Polygon:
		cells, err := m.CellsForPolygon(orb.Polygon(v.Rings), res)
		if err == nil && len(cells) > 0 {
			return cells, nil
		}
		if len(v.Rings) == 0 {
			return nil, err
		}
		c, cerr := m.CellForPoint(v.Bound().Center(), res)
		if cerr != nil {
			return nil, cerr
		}
		return []string{c}, nil
	default:
		return nil, nil
	}
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Convert a ring to an h3.GeoLoop (in degrees).
// If the ring is explicitly closed (last == first), drop the trailing duplicate.
func toLoop(ring orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(ring))
	for _, p := range ring {
		loop = append(loop, h3.LatLng{Lat: p.Lat(), Lng: p.Lon()})
	}
	if len(loop) >= 2 {
		last := loop[len(loop)-1]
		first := loop[0]
		if last.Lat == first.Lat && last.Lng == first.Lng {
			loop = loop[:len(loop)-1]
		}
	}
	return loop
}

// polyfillOne computes unique cells and returns them sorted for determinism.
func polyfillOne(outer h3.GeoLoop, holes []h3.GeoLoop, res int) ([]string, error) {
	if len(outer) < 3 {
		return nil, errors.New("outer ring has < 3 distinct vertices")
	}
	poly := h3.GeoPolygon{
		GeoLoop: outer,
		Holes:   holes,
	}

	indexes, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
