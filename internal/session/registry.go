// Package session keeps the host sessions: one viewport per session and one
// layer per configured collection attached to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/layer"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/sink"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/viewport"
)

var (
	ErrClosed    = errors.New("session registry closed")
	ErrInvalidID = errors.New("invalid session id")
)

const maxIDLen = 128

// Config describes what every new session gets.
type Config struct {
	Layers []layer.Options
	Size   int
	// Fetcher returns the fetcher shared by all sessions for a collection.
	// Nil means each layer fetches from its URL with the default client.
	Fetcher func(layer.Options) layer.Fetcher
	// ExtraSinks returns sinks teed with the render list of one session layer.
	ExtraSinks func(session string, opts layer.Options) []sink.Sink
}

type Registry struct {
	cfg    Config
	logger *slog.Logger
	zlog   *zerolog.Logger

	mu       sync.Mutex
	cache    *lru.Cache[string, *Session]
	closed   bool
	evicting sync.WaitGroup
}

func NewRegistry(cfg Config, logger *slog.Logger, zl *zerolog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	names := make(map[string]bool, len(cfg.Layers))
	for _, l := range cfg.Layers {
		if names[l.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		names[l.Name] = true
	}
	r := &Registry{cfg: cfg, logger: logger, zlog: zl}
	c, err := lru.NewWithEvict[string, *Session](cfg.Size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	r.cache = c
	return r, nil
}

func (r *Registry) onEvict(id string, s *Session) {
	r.logger.Debug("session evicted", "session", id)
	// eviction runs on the request path; layers finish in the background
	r.evicting.Add(1)
	go func() {
		defer r.evicting.Done()
		s.close()
	}()
}

// Layers lists the collections every session draws.
func (r *Registry) Layers() []layer.Options {
	return append([]layer.Options(nil), r.cfg.Layers...)
}

// GetOrCreate returns the session, creating it with all layers attached.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.cache.Get(id); ok {
		return s, nil
	}
	s := r.newSession(id)
	r.cache.Add(id, s)
	observability.SetSessionsActive(r.cache.Len())
	r.logger.Info("session created", "session", id, "layers", len(s.layers))
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	return r.cache.Get(id)
}

// View returns the viewport of a session, creating the session if needed.
func (r *Registry) View(_ context.Context, id string) (*viewport.View, error) {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	return s.View(), nil
}

// Remove detaches and drops a session. It reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.cache.Peek(id)
	if ok {
		r.cache.Remove(id)
	}
	observability.SetSessionsActive(r.cache.Len())
	r.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

func (r *Registry) Len() int { return r.cache.Len() }

// Check fails once the registry is closed.
func (r *Registry) Check(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Close detaches every session and waits for their refreshes to end,
// including those of sessions evicted earlier.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := r.cache.Values()
	r.cache.Purge()
	observability.SetSessionsActive(0)
	r.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	r.evicting.Wait()
}

func (r *Registry) newSession(id string) *Session {
	s := &Session{
		ID:     id,
		view:   viewport.New(),
		byName: map[string]*Layer{},
	}
	for _, opts := range r.cfg.Layers {
		mem := sink.NewMemory()
		var out sink.Sink = mem
		if r.cfg.ExtraSinks != nil {
			if extra := r.cfg.ExtraSinks(id, opts); len(extra) > 0 {
				out = sink.NewMulti(append([]sink.Sink{mem}, extra...)...)
			}
		}
		var f layer.Fetcher
		if r.cfg.Fetcher != nil {
			f = r.cfg.Fetcher(opts)
		}
		l := layer.New(opts, r.logger.With("session", id), f, out).WithZerolog(r.zlog)
		l.Attach(s.view)

		entry := &Layer{Options: opts, Layer: l, Render: mem}
		s.layers = append(s.layers, entry)
		s.byName[opts.Name] = entry
	}
	return s
}

func validateID(id string) error {
	if id == "" || len(id) > maxIDLen {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, "/ \t\r\n") {
		return ErrInvalidID
	}
	return nil
}

// Session is one map view with its layers.
type Session struct {
	ID     string
	view   *viewport.View
	layers []*Layer
	byName map[string]*Layer
	once   sync.Once
}

// Layer pairs a layer with its in-memory render list.
type Layer struct {
	Options layer.Options
	Layer   *layer.Layer
	Render  *sink.Memory
}

func (s *Session) View() *viewport.View { return s.view }

// Layers returns the layers in configuration order.
func (s *Session) Layers() []*Layer {
	return append([]*Layer(nil), s.layers...)
}

func (s *Session) Layer(name string) (*Layer, bool) {
	l, ok := s.byName[name]
	return l, ok
}

// Generations returns the latest started generation per layer, keyed by name.
func (s *Session) Generations() map[string]uint64 {
	out := make(map[string]uint64, len(s.layers))
	for _, l := range s.layers {
		out[l.Options.Name] = l.Layer.Generation()
	}
	return out
}

// Await waits until every layer has completed a refresh newer than since.
func (s *Session) Await(ctx context.Context, since map[string]uint64) ([]layer.Result, error) {
	out := make([]layer.Result, 0, len(s.layers))
	for _, l := range s.layers {
		res, err := l.Layer.Await(ctx, since[l.Options.Name]+1)
		if err != nil {
			return out, fmt.Errorf("layer %s: %w", l.Options.Name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Session) close() {
	s.once.Do(func() {
		for _, l := range s.layers {
			l.Layer.Close()
		}
	})
}
