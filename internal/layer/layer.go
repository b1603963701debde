// Package layer keeps the drawables of one WFS3 collection in step with a
// viewport: every time the view stops moving it fetches the items inside the
// extent and swaps them into a sink as a new generation.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/feature"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
	mylog "github.com/mohammed-shakir/wfs3-feature-stream/internal/logger"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/sink"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/viewport"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/wfs3"
)

var (
	// ErrStale means a newer refresh started before this one finished.
	ErrStale = errors.New("refresh superseded by a newer generation")
	// ErrDetached means the layer was detached or closed while refreshing.
	ErrDetached = errors.New("layer detached")
)

const resultsBuffer = 16

// Options identify the collection. URL is not validated.
type Options struct {
	Name  string
	URL   string
	Title string
}

type Fetcher interface {
	FetchItems(ctx context.Context, bbox geo.Extent) ([]byte, error)
}

// Viewport is the view collaborator a layer attaches to.
type Viewport interface {
	Stationary() bool
	Extent() (geo.Extent, bool)
	WatchStationary(fn func(geo.Extent)) *viewport.Subscription
}

// Result describes one finished refresh.
type Result struct {
	Generation  uint64
	Extent      geo.Extent
	Count       int
	Unsupported int
	Err         error
}

type Layer struct {
	opts    Options
	logger  *slog.Logger
	zlog    *zerolog.Logger
	fetcher Fetcher
	sink    sink.Sink

	base       context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	gen        uint64
	detachedAt uint64
	cancel     context.CancelFunc
	sub        *viewport.Subscription
	closed     bool
	last       Result
	changed    chan struct{}

	swapMu  sync.Mutex
	wg      sync.WaitGroup
	results chan Result
}

// New builds a layer. A nil fetcher fetches from opts.URL with http.DefaultClient.
func New(opts Options, logger *slog.Logger, fetcher Fetcher, s sink.Sink) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = opts.Title
	}
	if fetcher == nil {
		fetcher = wfs3.NewClient(logger, nil, opts.URL)
	}
	if s == nil {
		s = sink.NewMemory()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Layer{
		opts:       opts,
		logger:     logger,
		fetcher:    fetcher,
		sink:       s,
		base:       base,
		baseCancel: cancel,
		changed:    make(chan struct{}),
		results:    make(chan Result, resultsBuffer),
	}
}

// WithZerolog adds structured refresh events on zl.
func (l *Layer) WithZerolog(zl *zerolog.Logger) *Layer {
	l.zlog = zl
	return l
}

func (l *Layer) Options() Options { return l.opts }

func (l *Layer) Sink() sink.Sink { return l.sink }

// Generation is the id of the most recently started refresh.
func (l *Layer) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// Results delivers outcomes of watcher-started refreshes. When nobody reads,
// the oldest results are dropped.
func (l *Layer) Results() <-chan Result { return l.results }

// Attach subscribes to view. A view that is already stationary with an extent
// triggers an initial refresh. Attaching again replaces the previous subscription.
func (l *Layer) Attach(view Viewport) *viewport.Subscription {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
	sub := view.WatchStationary(l.onStationary)
	l.sub = sub
	l.mu.Unlock()

	if view.Stationary() {
		if e, ok := view.Extent(); ok {
			l.onStationary(e)
		}
	}
	return sub
}

// Detach unsubscribes from the view and cancels any in-flight refresh. The
// sink keeps its last generation.
func (l *Layer) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detachLocked()
}

func (l *Layer) detachLocked() {
	if l.sub != nil {
		l.sub.Unsubscribe()
		l.sub = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.gen++
	l.detachedAt = l.gen
}

// Close detaches, waits for background refreshes and closes Results.
func (l *Layer) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.detachLocked()
	l.mu.Unlock()

	l.baseCancel()
	l.wg.Wait()
	close(l.results)
}

// Wait blocks until background refreshes started so far have finished.
func (l *Layer) Wait() { l.wg.Wait() }

func (l *Layer) onStationary(e geo.Extent) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		res, _ := l.Refresh(l.base, e)
		l.publish(res)
	}()
}

func (l *Layer) publish(r Result) {
	for {
		select {
		case l.results <- r:
			return
		default:
		}
		select {
		case <-l.results:
		default:
		}
	}
}

// Refresh fetches the items inside extent and swaps them into the sink as a
// new generation. Starting a refresh cancels the one in flight. On any error
// the sink keeps its previous generation.
func (l *Layer) Refresh(ctx context.Context, extent geo.Extent) (Result, error) {
	start := time.Now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Result{Extent: extent, Err: ErrDetached}, ErrDetached
	}
	l.gen++
	gen := l.gen
	if l.cancel != nil {
		l.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	ctx = mylog.WithGeneration(mylog.WithCollection(ctx, l.opts.Name), gen)
	res := Result{Generation: gen, Extent: extent}

	fail := func(outcome string, err error) (Result, error) {
		res.Err = err
		l.finish(ctx, res, outcome, start)
		return res, err
	}

	geoExt, err := extent.ToGeographic()
	if err != nil {
		return fail(observability.OutcomeProjectionError, fmt.Errorf("reproject extent: %w", err))
	}

	body, err := l.fetcher.FetchItems(fctx, geoExt)
	if err != nil {
		if superseded := l.supersededErr(gen); superseded != nil {
			return fail(outcomeFor(superseded), superseded)
		}
		return fail(observability.OutcomeFetchError, fmt.Errorf("fetch items: %w", err))
	}

	feats, err := feature.Decode(body)
	if err != nil {
		observability.IncMalformedResponse(l.opts.Name)
		l.logger.WarnContext(ctx, "malformed items response, drawing nothing",
			"bytes", len(body), "err", err)
		feats = nil
	}

	graphics := make([]graphic.Graphic, 0, len(feats))
	malformed := 0
	for i, f := range feats {
		if f.Malformed {
			malformed++
		}
		g := graphic.FromFeature(l.opts.Title, f)
		g.ID = graphicID(gen, i)
		g.Generation = gen
		if !g.Supported() {
			res.Unsupported++
			observability.IncUnsupportedGeometry(f.GeometryType)
			l.logger.DebugContext(ctx, "unsupported geometry",
				"index", i, "type", f.GeometryType)
		}
		graphics = append(graphics, g)
	}
	res.Count = len(graphics)
	if malformed > 0 {
		observability.IncMalformedResponse(l.opts.Name)
		l.logger.WarnContext(ctx, "malformed features in items response",
			"malformed", malformed, "features", len(feats))
	}

	l.swapMu.Lock()
	if superseded := l.supersededErr(gen); superseded != nil {
		l.swapMu.Unlock()
		return fail(outcomeFor(superseded), superseded)
	}
	err = l.sink.Replace(ctx, gen, graphics)
	l.swapMu.Unlock()
	if err != nil {
		if errors.Is(err, sink.ErrOlderGeneration) {
			return fail(observability.OutcomeStale, fmt.Errorf("%w: %w", ErrStale, err))
		}
		return fail(observability.OutcomeSinkError, fmt.Errorf("replace generation %d: %w", gen, err))
	}

	observability.SetGenerationSize(l.opts.Name, res.Count)
	l.finish(ctx, res, observability.OutcomeOK, start)
	return res, nil
}

// supersededErr reports whether gen is no longer the latest refresh.
func (l *Layer) supersededErr(gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == l.gen {
		return nil
	}
	if l.closed || (l.detachedAt > gen && l.gen == l.detachedAt) {
		return ErrDetached
	}
	return ErrStale
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrDetached) {
		return observability.OutcomeDetached
	}
	return observability.OutcomeStale
}

func (l *Layer) finish(ctx context.Context, res Result, outcome string, start time.Time) {
	dur := time.Since(start)
	observability.ObserveRefresh(l.opts.Name, outcome, dur.Seconds())

	if outcome != observability.OutcomeStale && outcome != observability.OutcomeDetached {
		l.mu.Lock()
		if res.Generation >= l.last.Generation {
			l.last = res
			close(l.changed)
			l.changed = make(chan struct{})
		}
		l.mu.Unlock()
	}

	if l.zlog == nil {
		l.logRefresh(ctx, res, outcome, dur)
		return
	}
	zl := mylog.FromContext(ctx, l.zlog)
	var ev *zerolog.Event
	switch outcome {
	case observability.OutcomeOK:
		ev = zl.Info()
	case observability.OutcomeStale, observability.OutcomeDetached:
		ev = zl.Debug().Err(res.Err)
	default:
		ev = zl.Warn().Err(res.Err)
	}
	ev.Str("event", "refresh").
		Str("outcome", outcome).
		Str("bbox", res.Extent.BBox()).
		Int("count", res.Count).
		Int("unsupported", res.Unsupported).
		Dur("duration", dur).
		Msg("refresh finished")
}

// logRefresh reports a refresh on the slog logger when no zerolog logger is set.
func (l *Layer) logRefresh(ctx context.Context, res Result, outcome string, dur time.Duration) {
	lvl := slog.LevelWarn
	switch outcome {
	case observability.OutcomeOK:
		lvl = slog.LevelInfo
	case observability.OutcomeStale, observability.OutcomeDetached:
		lvl = slog.LevelDebug
	}
	attrs := []any{"outcome", outcome, "bbox", res.Extent.BBox(),
		"count", res.Count, "unsupported", res.Unsupported, "duration", dur}
	if res.Err != nil {
		attrs = append(attrs, "err", res.Err)
	}
	l.logger.Log(ctx, lvl, "refresh finished", attrs...)
}

// Await blocks until a refresh with generation >= gen has completed, and
// returns the latest completed result. Superseded refreshes never complete.
func (l *Layer) Await(ctx context.Context, gen uint64) (Result, error) {
	for {
		l.mu.Lock()
		last, ch := l.last, l.changed
		l.mu.Unlock()
		if last.Generation >= gen && last.Generation > 0 {
			return last, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Result{}, fmt.Errorf("await generation %d: %w", gen, ctx.Err())
		}
	}
}

func graphicID(gen uint64, i int) string {
	return strconv.FormatUint(gen, 10) + ":" + strconv.Itoa(i)
}
