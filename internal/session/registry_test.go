package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/layer"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/sink"
)

type fetchFunc func(ctx context.Context, bbox geo.Extent) ([]byte, error)

func (f fetchFunc) FetchItems(ctx context.Context, bbox geo.Extent) ([]byte, error) {
	return f(ctx, bbox)
}

type recordingSink struct {
	mu   sync.Mutex
	gens []uint64
}

func (s *recordingSink) Replace(_ context.Context, gen uint64, _ []graphic.Graphic) error {
	s.mu.Lock()
	s.gens = append(s.gens, gen)
	s.mu.Unlock()
	return nil
}
func (s *recordingSink) Clear(context.Context) error { return nil }

const twoFeatures = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"name":"A"}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{"name":"B"}}]}`

var testLayers = []layer.Options{
	{Name: "lakes", Title: "Large Lakes", URL: "https://example.org/collections/lakes"},
	{Name: "cities", Title: "Cities", URL: "https://example.org/collections/cities"},
}

func newRegistry(t *testing.T, size int, calls *atomic.Int32, extra func(string, layer.Options) []sink.Sink) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{
		Layers: testLayers,
		Size:   size,
		Fetcher: func(layer.Options) layer.Fetcher {
			return fetchFunc(func(context.Context, geo.Extent) ([]byte, error) {
				if calls != nil {
					calls.Add(1)
				}
				return []byte(twoFeatures), nil
			})
		},
		ExtraSinks: extra,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

var extent = geo.Extent{XMin: 0, YMin: 0, XMax: 5, YMax: 5, SpatialReference: geo.WGS84}

func TestRegistry_SettleRefreshesEveryLayer(t *testing.T) {
	var calls atomic.Int32
	r := newRegistry(t, 4, &calls, nil)

	s, err := r.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	since := s.Generations()
	s.View().Settle(extent)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := s.Await(ctx, since)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results=%d want 2", len(results))
	}
	for _, l := range s.Layers() {
		if l.Render.Len() != 2 {
			t.Fatalf("layer %s has %d graphics", l.Options.Name, l.Render.Len())
		}
		if got := l.Render.Graphics()[0].Template.Title; got != l.Options.Title {
			t.Fatalf("template title=%q want %q", got, l.Options.Title)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("fetches=%d want 2", calls.Load())
	}
}

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	r := newRegistry(t, 4, nil, nil)
	a, _ := r.GetOrCreate("s1")
	b, _ := r.GetOrCreate("s1")
	if a != b {
		t.Fatal("same id must return the same session")
	}
	v, err := r.View(context.Background(), "s1")
	if err != nil || v != a.View() {
		t.Fatalf("View mismatch err=%v", err)
	}
	if _, ok := a.Layer("cities"); !ok {
		t.Fatal("cities layer missing")
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRegistry_InvalidID(t *testing.T) {
	r := newRegistry(t, 4, nil, nil)
	for _, id := range []string{"", "a/b", "has space"} {
		if _, err := r.GetOrCreate(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: err=%v", id, err)
		}
	}
}

func TestRegistry_EvictionDetachesLayers(t *testing.T) {
	var calls atomic.Int32
	r := newRegistry(t, 1, &calls, nil)

	first, _ := r.GetOrCreate("s1")
	if first.View().Watchers() != 2 {
		t.Fatalf("watchers=%d want 2", first.View().Watchers())
	}
	_, _ = r.GetOrCreate("s2")

	deadline := time.Now().Add(2 * time.Second)
	for first.View().Watchers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("evicted session still attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatal("s1 must be evicted")
	}

	first.View().Settle(extent)
	if calls.Load() != 0 {
		t.Fatalf("detached layers fetched %d times", calls.Load())
	}
}

func TestRegistry_RemoveAndClose(t *testing.T) {
	r := newRegistry(t, 4, nil, nil)
	s, _ := r.GetOrCreate("s1")

	if !r.Remove("s1") {
		t.Fatal("Remove must report existing session")
	}
	if r.Remove("s1") {
		t.Fatal("second Remove must report false")
	}
	if s.View().Watchers() != 0 {
		t.Fatal("removed session must be detached")
	}

	r.Close()
	if _, err := r.GetOrCreate("s2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if err := r.Check(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("check err=%v", err)
	}
}

func TestRegistry_ExtraSinksReceiveGenerations(t *testing.T) {
	var mu sync.Mutex
	recs := map[string]*recordingSink{}
	r := newRegistry(t, 4, nil, func(session string, opts layer.Options) []sink.Sink {
		rs := &recordingSink{}
		mu.Lock()
		recs[session+"/"+opts.Name] = rs
		mu.Unlock()
		return []sink.Sink{rs}
	})

	s, _ := r.GetOrCreate("s9")
	since := s.Generations()
	s.View().Settle(extent)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Await(ctx, since); err != nil {
		t.Fatalf("Await: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	rs := recs["s9/lakes"]
	if rs == nil {
		t.Fatal("extra sink not created")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.gens) != 1 || rs.gens[0] != 1 {
		t.Fatalf("gens=%v want [1]", rs.gens)
	}
}

func TestRegistry_CloseWaitsForEvictedSessions(t *testing.T) {
	started := make(chan struct{}, 1)
	r, err := NewRegistry(Config{
		Layers: testLayers[:1],
		Size:   1,
		Fetcher: func(layer.Options) layer.Fetcher {
			return fetchFunc(func(ctx context.Context, _ geo.Extent) ([]byte, error) {
				select {
				case started <- struct{}{}:
				default:
				}
				<-ctx.Done()
				time.Sleep(20 * time.Millisecond)
				return nil, ctx.Err()
			})
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	first, _ := r.GetOrCreate("s1")
	first.View().Settle(extent)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never started")
	}
	_, _ = r.GetOrCreate("s2") // evicts s1 while its fetch is in flight

	r.Close()
	results := first.Layers()[0].Layer.Results()
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return
			}
		default:
			t.Fatal("Close returned before the evicted layer finished")
		}
	}
}

func TestNewRegistry_DuplicateLayerName(t *testing.T) {
	_, err := NewRegistry(Config{Layers: []layer.Options{
		{Name: "lakes", URL: "https://x/collections/lakes"},
		{Name: "lakes", URL: "https://y/collections/lakes"},
	}}, nil, nil)
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}
