// Package viewport models the host map view: its current extent and whether
// it has stopped moving.
package viewport

import (
	"slices"
	"sync"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
)

// View is safe for concurrent use. Watchers run synchronously on the goroutine
// that made the view stationary and must not block.
type View struct {
	mu         sync.Mutex
	stationary bool
	extent     geo.Extent
	hasExtent  bool
	nextID     uint64
	watchers   map[uint64]func(geo.Extent)
}

func New() *View {
	return &View{watchers: map[uint64]func(geo.Extent){}}
}

func (v *View) Stationary() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stationary
}

// Extent returns the current extent; ok is false until the first Update.
func (v *View) Extent() (geo.Extent, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extent, v.hasExtent
}

// Update records a new extent and marks the view as moving.
func (v *View) Update(e geo.Extent) {
	v.mu.Lock()
	v.extent = e
	v.hasExtent = true
	v.stationary = false
	v.mu.Unlock()
}

// SetStationary notifies watchers on a false -> true transition while an
// extent is present.
func (v *View) SetStationary(stationary bool) {
	v.mu.Lock()
	fire := stationary && !v.stationary && v.hasExtent
	v.stationary = stationary
	e := v.extent
	var fns []func(geo.Extent)
	if fire {
		fns = v.watchersLocked()
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Settle is the usual "moved, then stopped" sequence.
func (v *View) Settle(e geo.Extent) {
	v.Update(e)
	v.SetStationary(true)
}

// WatchStationary registers fn for stationary transitions.
func (v *View) WatchStationary(fn func(geo.Extent)) *Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := v.nextID
	if v.watchers == nil {
		v.watchers = map[uint64]func(geo.Extent){}
	}
	v.watchers[id] = fn
	return &Subscription{view: v, id: id}
}

// Watchers reports how many subscriptions are live.
func (v *View) Watchers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.watchers)
}

func (v *View) watchersLocked() []func(geo.Extent) {
	ids := make([]uint64, 0, len(v.watchers))
	for id := range v.watchers {
		ids = append(ids, id)
	}
	// registration order
	slices.Sort(ids)
	out := make([]func(geo.Extent), len(ids))
	for i, id := range ids {
		out[i] = v.watchers[id]
	}
	return out
}

func (v *View) remove(id uint64) {
	v.mu.Lock()
	delete(v.watchers, id)
	v.mu.Unlock()
}

type Subscription struct {
	view *View
	id   uint64
	once sync.Once
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.view.remove(s.id) })
}
