// Package graphic turns decoded WFS3 features into drawable graphics.
package graphic

import (
	"encoding/json"

	"github.com/paulmach/orb"
)

type GeometryType string

const (
	TypePoint       GeometryType = "point"
	TypePolyline    GeometryType = "polyline"
	TypePolygon     GeometryType = "polygon"
	TypeUnsupported GeometryType = "unsupported"
)

// Geometry is closed over Point, Polyline, Polygon and Unsupported.
type Geometry interface {
	Type() GeometryType
	// Bound is empty for Unsupported.
	Bound() orb.Bound
	isGeometry()
}

type Point struct {
	X float64
	Y float64
}

type Polyline struct {
	Paths []orb.LineString
}

type Polygon struct {
	Rings []orb.Ring
}

// Unsupported carries the GeoJSON type tag that could not be drawn.
type Unsupported struct {
	SourceType string
}

func (Point) Type() GeometryType       { return TypePoint }
func (Polyline) Type() GeometryType    { return TypePolyline }
func (Polygon) Type() GeometryType     { return TypePolygon }
func (Unsupported) Type() GeometryType { return TypeUnsupported }

func (Point) isGeometry()       {}
func (Polyline) isGeometry()    {}
func (Polygon) isGeometry()     {}
func (Unsupported) isGeometry() {}

func (p Point) Bound() orb.Bound { return orb.Point{p.X, p.Y}.Bound() }

func (p Polyline) Bound() orb.Bound {
	return orb.MultiLineString(p.Paths).Bound()
}

func (p Polygon) Bound() orb.Bound {
	return orb.Polygon(p.Rings).Bound()
}

func (Unsupported) Bound() orb.Bound { return orb.Bound{} }

// Orb returns the geometry as an orb value, nil for Unsupported.
func Orb(g Geometry) orb.Geometry {
	switch v := g.(type) {
	case Point:
		return orb.Point{v.X, v.Y}
	case Polyline:
		return orb.MultiLineString(v.Paths)
	case Polygon:
		return orb.Polygon(v.Rings)
	default:
		return nil
	}
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type GeometryType `json:"type"`
		X    float64      `json:"x"`
		Y    float64      `json:"y"`
	}{TypePoint, p.X, p.Y})
}

func (p Polyline) MarshalJSON() ([]byte, error) {
	paths := p.Paths
	if paths == nil {
		paths = []orb.LineString{}
	}
	return json.Marshal(struct {
		Type  GeometryType     `json:"type"`
		Paths []orb.LineString `json:"paths"`
	}{TypePolyline, paths})
}

func (p Polygon) MarshalJSON() ([]byte, error) {
	rings := p.Rings
	if rings == nil {
		rings = []orb.Ring{}
	}
	return json.Marshal(struct {
		Type  GeometryType `json:"type"`
		Rings []orb.Ring   `json:"rings"`
	}{TypePolygon, rings})
}

func (u Unsupported) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       GeometryType `json:"type"`
		SourceType string       `json:"sourceType,omitempty"`
	}{TypeUnsupported, u.SourceType})
}

// UnmarshalGeometry reads back what the variants' MarshalJSON writes.
func UnmarshalGeometry(b []byte) (Geometry, error) {
	var w struct {
		Type       GeometryType     `json:"type"`
		X          float64          `json:"x"`
		Y          float64          `json:"y"`
		Paths      []orb.LineString `json:"paths"`
		Rings      []orb.Ring       `json:"rings"`
		SourceType string           `json:"sourceType"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case TypePoint:
		return Point{X: w.X, Y: w.Y}, nil
	case TypePolyline:
		return Polyline{Paths: w.Paths}, nil
	case TypePolygon:
		return Polygon{Rings: w.Rings}, nil
	default:
		return Unsupported{SourceType: w.SourceType}, nil
	}
}
