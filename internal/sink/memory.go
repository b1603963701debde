package sink

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
)

// minimum rect side; rtreego rejects zero-length rectangles
const epsilon = 1e-9

// Memory is the in-process render list. Readers always see one complete
// generation: Replace builds a new snapshot and swaps the pointer.
type Memory struct {
	cur atomic.Pointer[snapshot]
}

type snapshot struct {
	generation uint64
	graphics   []graphic.Graphic
	tree       *rtreego.Rtree
}

type indexedGraphic struct {
	idx    int
	bounds orb.Bound
}

func (g *indexedGraphic) Bounds() rtreego.Rect {
	return rect(g.bounds, 0)
}

func rect(b orb.Bound, pad float64) rtreego.Rect {
	point := rtreego.Point{b.Min.X() - pad, b.Min.Y() - pad}
	w := b.Max.X() - b.Min.X() + 2*pad
	h := b.Max.Y() - b.Min.Y() + 2*pad
	if w < epsilon {
		w = epsilon
	}
	if h < epsilon {
		h = epsilon
	}
	r, _ := rtreego.NewRect(point, []float64{w, h})
	return r
}

func NewMemory() *Memory {
	m := &Memory{}
	m.cur.Store(&snapshot{})
	return m
}

func newSnapshot(generation uint64, graphics []graphic.Graphic) *snapshot {
	s := &snapshot{
		generation: generation,
		graphics:   append([]graphic.Graphic(nil), graphics...),
		tree:       rtreego.NewTree(2, 25, 50),
	}
	for i, g := range s.graphics {
		if !g.Supported() {
			continue
		}
		s.tree.Insert(&indexedGraphic{idx: i, bounds: g.Geometry.Bound()})
	}
	return s
}

func (m *Memory) Replace(_ context.Context, generation uint64, graphics []graphic.Graphic) error {
	start := time.Now()
	next := newSnapshot(generation, graphics)
	err := m.swap(next)
	observability.ObserveSinkOp("memory", "replace", err, time.Since(start).Seconds())
	return err
}

func (m *Memory) Clear(_ context.Context) error {
	start := time.Now()
	err := m.swap(newSnapshot(m.Generation(), nil))
	observability.ObserveSinkOp("memory", "clear", err, time.Since(start).Seconds())
	return err
}

func (m *Memory) swap(next *snapshot) error {
	for {
		old := m.cur.Load()
		if next.generation < old.generation {
			return ErrOlderGeneration
		}
		if m.cur.CompareAndSwap(old, next) {
			return nil
		}
	}
}

func (m *Memory) Generation() uint64 { return m.cur.Load().generation }

func (m *Memory) Len() int { return len(m.cur.Load().graphics) }

// Graphics returns the current generation in insertion order.
func (m *Memory) Graphics() []graphic.Graphic {
	s := m.cur.Load()
	return append([]graphic.Graphic(nil), s.graphics...)
}

// Snapshot returns the generation id together with its graphics.
func (m *Memory) Snapshot() (uint64, []graphic.Graphic) {
	s := m.cur.Load()
	return s.generation, append([]graphic.Graphic(nil), s.graphics...)
}

// Identify returns the graphics drawn at p, in drawing order. Points and lines
// hit within tolerance; polygons hit when they contain p or their boundary is
// within tolerance.
func (m *Memory) Identify(p orb.Point, tolerance float64) []graphic.Graphic {
	s := m.cur.Load()
	if s.tree == nil || s.tree.Size() == 0 {
		return nil
	}
	if tolerance < 0 {
		tolerance = 0
	}
	candidates := s.tree.SearchIntersect(rect(p.Bound(), tolerance))

	idxs := make([]int, 0, len(candidates))
	for _, c := range candidates {
		ig := c.(*indexedGraphic)
		if hit(s.graphics[ig.idx].Geometry, p, tolerance) {
			idxs = append(idxs, ig.idx)
		}
	}
	sort.Ints(idxs)

	out := make([]graphic.Graphic, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.graphics[i])
	}
	return out
}

func hit(g graphic.Geometry, p orb.Point, tolerance float64) bool {
	switch v := g.(type) {
	case graphic.Polygon:
		poly := orb.Polygon(v.Rings)
		if len(poly) == 0 || len(poly[0]) == 0 {
			return false
		}
		return planar.PolygonContains(poly, p) || planar.DistanceFrom(poly, p) <= tolerance
	case graphic.Polyline:
		if len(v.Paths) == 0 {
			return false
		}
		return planar.DistanceFrom(graphic.Orb(v), p) <= tolerance
	case graphic.Point:
		return planar.DistanceFrom(graphic.Orb(v), p) <= tolerance
	default:
		return false
	}
}
