// Package geo holds viewport extents and their reprojection to geographic coordinates.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Well-known ids of the spatial references a viewport may report.
const (
	WKIDUnknown      = 0
	WKIDWGS84        = 4326
	WKIDWebMercator  = 3857
	WKIDEsriMercator = 102100
	WKIDEsriAuxSph   = 102113
	WKIDGoogle       = 900913
)

var ErrUnsupportedSpatialReference = errors.New("unsupported spatial reference")

type SpatialReference struct {
	WKID int `json:"wkid"`
}

func (s SpatialReference) IsWebMercator() bool {
	switch s.WKID {
	case WKIDWebMercator, WKIDEsriMercator, WKIDEsriAuxSph, WKIDGoogle:
		return true
	}
	return false
}

// unspecified references are treated as already geographic
func (s SpatialReference) IsGeographic() bool {
	return s.WKID == WKIDWGS84 || s.WKID == WKIDUnknown
}

var (
	WebMercator = SpatialReference{WKID: WKIDWebMercator}
	WGS84       = SpatialReference{WKID: WKIDWGS84}
)

type Extent struct {
	XMin             float64          `json:"xmin"`
	YMin             float64          `json:"ymin"`
	XMax             float64          `json:"xmax"`
	YMax             float64          `json:"ymax"`
	SpatialReference SpatialReference `json:"spatialReference"`
}

func (e Extent) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.XMin, e.YMin}, Max: orb.Point{e.XMax, e.YMax}}
}

func (e Extent) Validate() error {
	for _, v := range []float64{e.XMin, e.YMin, e.XMax, e.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("extent coordinates must be finite")
		}
	}
	if e.XMax < e.XMin || e.YMax < e.YMin {
		return errors.New("extent must satisfy xmax>=xmin and ymax>=ymin")
	}
	return nil
}

// ToGeographic reprojects the extent into longitude/latitude (EPSG:4326).
func (e Extent) ToGeographic() (Extent, error) {
	sr := e.SpatialReference
	switch {
	case sr.IsGeographic():
		e.SpatialReference = WGS84
		return e, nil
	case sr.IsWebMercator():
		lo := project.Mercator.ToWGS84(orb.Point{e.XMin, e.YMin})
		hi := project.Mercator.ToWGS84(orb.Point{e.XMax, e.YMax})
		return Extent{
			XMin:             lo.X(),
			YMin:             lo.Y(),
			XMax:             hi.X(),
			YMax:             hi.Y(),
			SpatialReference: WGS84,
		}, nil
	default:
		return Extent{}, fmt.Errorf("wkid %d: %w", sr.WKID, ErrUnsupportedSpatialReference)
	}
}

// BBox renders "xmin,ymin,xmax,ymax" with shortest round-trip precision.
func (e Extent) BBox() string {
	parts := []string{
		formatCoord(e.XMin),
		formatCoord(e.YMin),
		formatCoord(e.XMax),
		formatCoord(e.YMax),
	}
	return strings.Join(parts, ",")
}

// PointToGeographic reprojects a single coordinate pair.
func PointToGeographic(x, y float64, sr SpatialReference) (orb.Point, error) {
	e, err := Extent{XMin: x, YMin: y, XMax: x, YMax: y, SpatialReference: sr}.ToGeographic()
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{e.XMin, e.YMin}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
