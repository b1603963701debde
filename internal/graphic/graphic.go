package graphic

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/feature"
)

type Graphic struct {
	ID         string
	Generation uint64
	Geometry   Geometry
	Symbol     Symbol
	Attributes feature.Properties
	Template   Template
}

func (g Graphic) Supported() bool {
	_, bad := g.Geometry.(Unsupported)
	return g.Geometry != nil && !bad
}

type wireGraphic struct {
	ID         string             `json:"id"`
	Generation uint64             `json:"generation"`
	Geometry   json.RawMessage    `json:"geometry"`
	Symbol     Symbol             `json:"symbol"`
	Attributes feature.Properties `json:"attributes"`
	Template   Template           `json:"popupTemplate"`
}

func (g Graphic) MarshalJSON() ([]byte, error) {
	geom := g.Geometry
	if geom == nil {
		geom = Unsupported{}
	}
	gb, err := json.Marshal(geom)
	if err != nil {
		return nil, fmt.Errorf("marshal geometry: %w", err)
	}
	attrs := g.Attributes
	if attrs == nil {
		attrs = feature.Properties{}
	}
	return json.Marshal(wireGraphic{
		ID:         g.ID,
		Generation: g.Generation,
		Geometry:   gb,
		Symbol:     g.Symbol,
		Attributes: attrs,
		Template:   g.Template,
	})
}

func (g *Graphic) UnmarshalJSON(b []byte) error {
	var w wireGraphic
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	geom, err := UnmarshalGeometry(w.Geometry)
	if err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	*g = Graphic{
		ID:         w.ID,
		Generation: w.Generation,
		Geometry:   geom,
		Symbol:     w.Symbol,
		Attributes: w.Attributes,
		Template:   w.Template,
	}
	return nil
}

// FromFeature converts one feature. Attributes are copied; title feeds the template.
func FromFeature(title string, f feature.Feature) Graphic {
	geom := ConvertGeometry(f.GeometryType, f.Geometry)
	return Graphic{
		Geometry:   geom,
		Symbol:     SymbolFor(geom),
		Attributes: f.Properties.Clone(),
		Template:   BuildTemplate(title, f.Properties),
	}
}

// ConvertGeometry dispatches on the GeoJSON type tag. Unknown tags, empty
// geometries and coordinates too short for their type give Unsupported.
func ConvertGeometry(typ string, raw json.RawMessage) Geometry {
	switch typ {
	case "Point":
		var c []float64
		if decodeCoordinates(raw, &c) && validPosition(c) {
			if p, ok := decodeOrb(raw).(orb.Point); ok {
				return Point{X: p.X(), Y: p.Y()}
			}
		}
	case "LineString":
		var c [][]float64
		if decodeCoordinates(raw, &c) && validPath(c, 2) {
			if ls, ok := decodeOrb(raw).(orb.LineString); ok {
				return Polyline{Paths: []orb.LineString{ls}}
			}
		}
	case "Polyline":
		// not a GeoJSON type, but some servers emit it with either one path or a list of paths
		if paths, ok := decodeLegacyPaths(raw); ok {
			return Polyline{Paths: paths}
		}
	case "Polygon":
		var c [][][]float64
		if decodeCoordinates(raw, &c) && validRings(c) {
			if poly, ok := decodeOrb(raw).(orb.Polygon); ok {
				return Polygon{Rings: poly}
			}
		}
	}
	return Unsupported{SourceType: typ}
}

func decodeOrb(raw json.RawMessage) orb.Geometry {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil || g == nil {
		return nil
	}
	return g.Coordinates
}

// decodeCoordinates reads the coordinates member of raw into v.
func decodeCoordinates(raw json.RawMessage, v any) bool {
	var w struct {
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &w); err != nil || len(w.Coordinates) == 0 {
		return false
	}
	return json.Unmarshal(w.Coordinates, v) == nil
}

func validPosition(p []float64) bool { return len(p) >= 2 }

func validPath(path [][]float64, minLen int) bool {
	if len(path) < minLen {
		return false
	}
	for _, p := range path {
		if !validPosition(p) {
			return false
		}
	}
	return true
}

// validRings wants at least one ring, each closed with four positions or more.
func validRings(rings [][][]float64) bool {
	if len(rings) == 0 {
		return false
	}
	for _, r := range rings {
		if !validPath(r, 4) {
			return false
		}
	}
	return true
}

func decodeLegacyPaths(raw json.RawMessage) ([]orb.LineString, bool) {
	var multi [][][]float64
	if decodeCoordinates(raw, &multi) {
		if len(multi) == 0 {
			return nil, false
		}
		paths := make([]orb.LineString, 0, len(multi))
		for _, c := range multi {
			if !validPath(c, 2) {
				return nil, false
			}
			paths = append(paths, toLineString(c))
		}
		return paths, true
	}
	var single [][]float64
	if decodeCoordinates(raw, &single) && validPath(single, 2) {
		return []orb.LineString{toLineString(single)}, true
	}
	return nil, false
}

func toLineString(c [][]float64) orb.LineString {
	ls := make(orb.LineString, len(c))
	for i, p := range c {
		ls[i] = orb.Point{p[0], p[1]}
	}
	return ls
}
