package sink

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
	h3mapper "github.com/mohammed-shakir/wfs3-feature-stream/internal/mapper/h3"
)

const testRes = 8

func newMiniSink(t *testing.T, layer string) (*Redis, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rdb, err := DialRedis(ctx, mr.Addr(), WithPoolSize(4))
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedis(rdb, layer, h3mapper.New(), testRes), rdb, mr
}

func TestDialRedis_RequiresAddr(t *testing.T) {
	if _, err := DialRedis(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestRedis_ReplaceLoadRoundTrip(t *testing.T) {
	s, _, _ := newMiniSink(t, "s1/cities")
	ctx := context.Background()

	gs := []graphic.Graphic{
		pointGraphic("1:0", -111.89, 40.76),
		squareGraphic("1:1", -112.0, 40.0, 0.01),
		{ID: "1:2", Generation: 1, Geometry: graphic.Unsupported{SourceType: "MultiPoint"}},
	}
	if err := s.Replace(ctx, 1, gs); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	gen, got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gen != 1 {
		t.Fatalf("gen=%d want 1", gen)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	if got[0].ID != "1:0" || got[0].Geometry.Type() != graphic.TypePoint {
		t.Fatalf("first graphic %+v", got[0])
	}
	if got[2].Supported() {
		t.Fatal("unsupported graphic must stay unsupported after load")
	}
}

func TestRedis_CellIndexFollowsGeneration(t *testing.T) {
	s, _, _ := newMiniSink(t, "s1/cities")
	ctx := context.Background()

	m := h3mapper.New()
	slc, err := m.CellForPoint(orb.Point{-111.89, 40.76}, testRes)
	if err != nil {
		t.Fatalf("CellForPoint: %v", err)
	}

	if err := s.Replace(ctx, 1, []graphic.Graphic{
		pointGraphic("1:0", -111.89, 40.76),
		pointGraphic("1:1", -111.89, 40.76),
	}); err != nil {
		t.Fatalf("Replace gen1: %v", err)
	}
	ids, err := s.IDsInCell(ctx, slc)
	if err != nil {
		t.Fatalf("IDsInCell: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "1:0" || ids[1] != "1:1" {
		t.Fatalf("ids=%v", ids)
	}

	if err := s.Replace(ctx, 2, []graphic.Graphic{pointGraphic("2:0", 10, 10)}); err != nil {
		t.Fatalf("Replace gen2: %v", err)
	}
	ids, err = s.IDsInCell(ctx, slc)
	if err != nil {
		t.Fatalf("IDsInCell: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("cell of the previous generation must be gone, got %v", ids)
	}
}

func TestRedis_IDsInBound(t *testing.T) {
	s, _, _ := newMiniSink(t, "s1/cities")
	ctx := context.Background()

	if err := s.Replace(ctx, 1, []graphic.Graphic{
		pointGraphic("1:0", -111.89, 40.76),
		pointGraphic("1:1", -111.88, 40.77),
		pointGraphic("1:2", 10, 10),
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	ids, err := s.IDsInBound(ctx, orb.Bound{Min: orb.Point{-111.95, 40.70}, Max: orb.Point{-111.83, 40.82}})
	if err != nil {
		t.Fatalf("IDsInBound: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "1:0" || ids[1] != "1:1" {
		t.Fatalf("ids=%v", ids)
	}

	// smaller than a cell
	ids, err = s.IDsInBound(ctx, orb.Bound{Min: orb.Point{9.9999, 9.9999}, Max: orb.Point{10.0001, 10.0001}})
	if err != nil {
		t.Fatalf("IDsInBound small: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1:2" {
		t.Fatalf("small bound ids=%v", ids)
	}
}

func TestRedis_IDsInBoundWithoutIndex(t *testing.T) {
	_, rdb, _ := newMiniSink(t, "plain")
	s := NewRedis(rdb, "plain", nil, testRes)
	if _, err := s.IDsInBound(context.Background(), orb.Bound{Max: orb.Point{1, 1}}); err == nil {
		t.Fatal("want error without a cell mapper")
	}
}

func TestRedis_RejectsOlderGeneration(t *testing.T) {
	s, _, _ := newMiniSink(t, "lakes")
	ctx := context.Background()

	if err := s.Replace(ctx, 5, []graphic.Graphic{pointGraphic("5:0", 1, 1)}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	err := s.Replace(ctx, 4, nil)
	if !errors.Is(err, ErrOlderGeneration) {
		t.Fatalf("err=%v want ErrOlderGeneration", err)
	}
	gen, got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gen != 5 || len(got) != 1 {
		t.Fatalf("gen=%d len=%d", gen, len(got))
	}
}

func TestRedis_ClearKeepsGenerationID(t *testing.T) {
	s, _, mr := newMiniSink(t, "lakes")
	ctx := context.Background()

	_ = s.Replace(ctx, 3, []graphic.Graphic{pointGraphic("3:0", 1, 1)})
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	gen, got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gen != 3 || len(got) != 0 {
		t.Fatalf("gen=%d len=%d", gen, len(got))
	}
	if mr.Exists(s.keys.cells()) {
		t.Fatal("cell index must be removed on clear")
	}
}

func TestRedis_PublishesGeneration(t *testing.T) {
	s, rdb, _ := newMiniSink(t, "lakes")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, s.UpdatesChannel())
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Replace(ctx, 7, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "7" {
			t.Fatalf("payload=%q want 7", msg.Payload)
		}
	case <-ctx.Done():
		t.Fatal("no update published")
	}
}

func TestRedis_LoadEmpty(t *testing.T) {
	s, _, _ := newMiniSink(t, "nothing-yet")
	gen, got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gen != 0 || got != nil {
		t.Fatalf("gen=%d graphics=%v", gen, got)
	}
}

func TestRedis_ResetStartsOver(t *testing.T) {
	s, _, mr := newMiniSink(t, "s1/cities")
	ctx := context.Background()

	if err := s.Replace(ctx, 9, []graphic.Graphic{pointGraphic("9:0", -111.89, 40.76)}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for _, k := range mr.Keys() {
		t.Errorf("key left after reset: %s", k)
	}
	if err := s.Replace(ctx, 1, nil); err != nil {
		t.Fatalf("Replace after reset: %v", err)
	}
	gen, _, err := s.Load(ctx)
	if err != nil || gen != 1 {
		t.Fatalf("Load gen=%d err=%v, want 1", gen, err)
	}
}
