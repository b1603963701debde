package viewport

import (
	"sync"
	"testing"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
)

func ext(x0, y0, x1, y1 float64) geo.Extent {
	return geo.Extent{XMin: x0, YMin: y0, XMax: x1, YMax: y1, SpatialReference: geo.WebMercator}
}

func TestView_FiresOnStationaryTransition(t *testing.T) {
	v := New()
	var got []geo.Extent
	v.WatchStationary(func(e geo.Extent) { got = append(got, e) })

	v.Settle(ext(-10, -10, 10, 10))
	if len(got) != 1 || got[0].XMax != 10 {
		t.Fatalf("got %v", got)
	}

	// already stationary: no transition
	v.SetStationary(true)
	if len(got) != 1 {
		t.Fatalf("repeated stationary must not fire, got %d", len(got))
	}

	v.Settle(ext(0, 0, 5, 5))
	if len(got) != 2 || got[1].XMax != 5 {
		t.Fatalf("got %v", got)
	}
}

func TestView_NoExtentNoCallback(t *testing.T) {
	v := New()
	calls := 0
	v.WatchStationary(func(geo.Extent) { calls++ })

	v.SetStationary(true)
	v.SetStationary(false)
	v.SetStationary(true)
	if calls != 0 {
		t.Fatalf("calls=%d want 0 without extent", calls)
	}
	if _, ok := v.Extent(); ok {
		t.Fatal("extent must be absent")
	}
}

func TestView_UpdateMarksMoving(t *testing.T) {
	v := New()
	v.Settle(ext(1, 2, 3, 4))
	if !v.Stationary() {
		t.Fatal("expected stationary")
	}
	v.Update(ext(2, 3, 4, 5))
	if v.Stationary() {
		t.Fatal("update must mark the view moving")
	}
	e, ok := v.Extent()
	if !ok || e.XMin != 2 {
		t.Fatalf("extent=%v ok=%v", e, ok)
	}
}

func TestSubscription_UnsubscribeIdempotent(t *testing.T) {
	v := New()
	calls := 0
	sub := v.WatchStationary(func(geo.Extent) { calls++ })
	other := v.WatchStationary(func(geo.Extent) {})
	if v.Watchers() != 2 {
		t.Fatalf("watchers=%d", v.Watchers())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	var nilSub *Subscription
	nilSub.Unsubscribe()

	v.Settle(ext(0, 0, 1, 1))
	if calls != 0 {
		t.Fatalf("unsubscribed watcher fired %d times", calls)
	}
	if v.Watchers() != 1 {
		t.Fatalf("watchers=%d want 1", v.Watchers())
	}
	other.Unsubscribe()
}

func TestView_WatcherMayUnsubscribeDuringCallback(t *testing.T) {
	v := New()
	var sub *Subscription
	calls := 0
	sub = v.WatchStationary(func(geo.Extent) {
		calls++
		sub.Unsubscribe()
	})
	v.Settle(ext(0, 0, 1, 1))
	v.Settle(ext(0, 0, 2, 2))
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestView_ConcurrentSettle(t *testing.T) {
	v := New()
	var mu sync.Mutex
	calls := 0
	v.WatchStationary(func(geo.Extent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v.Settle(ext(0, 0, float64(i+1), float64(j+1)))
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("expected at least one notification")
	}
}
