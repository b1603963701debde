package graphic

type SymbolType string

const (
	SymbolMarker SymbolType = "simple-marker"
	SymbolLine   SymbolType = "simple-line"
	SymbolFill   SymbolType = "simple-fill"
)

// Color is r, g, b (0-255) and alpha (0-1).
type Color [4]float64

var markerGray = Color{133, 133, 133, 0.5}

// Symbol is the default style of a graphic. The zero value draws nothing.
type Symbol struct {
	Type  SymbolType `json:"type,omitempty"`
	Color *Color     `json:"color,omitempty"`
}

func (s Symbol) IsZero() bool { return s.Type == "" }

// SymbolFor picks the style from the geometry type alone.
func SymbolFor(g Geometry) Symbol {
	switch g.(type) {
	case Point:
		c := markerGray
		return Symbol{Type: SymbolMarker, Color: &c}
	case Polyline:
		return Symbol{Type: SymbolLine}
	case Polygon:
		return Symbol{Type: SymbolFill}
	default:
		return Symbol{}
	}
}
