package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/config"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
	mylog "github.com/mohammed-shakir/wfs3-feature-stream/internal/logger"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/session"
)

const maxBodyBytes = 64 << 10

// API serves viewport updates and the render lists of session layers.
type API struct {
	logger      *slog.Logger
	sessions    *session.Registry
	waitTimeout time.Duration
	tolerance   float64
}

func NewAPI(logger *slog.Logger, cfg config.Config, sessions *session.Registry) *API {
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	tol := cfg.IdentifyTolerance
	if tol <= 0 {
		tol = 1e-4
	}
	return &API{logger: logger, sessions: sessions, waitTimeout: wait, tolerance: tol}
}

// Mount registers the API routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/layers", observe("/layers", a.ListLayers))
	r.Route("/sessions/{session}", func(r chi.Router) {
		r.Put("/viewport", observe("/sessions/{session}/viewport", a.PutViewport))
		r.Delete("/", observe("/sessions/{session}", a.DeleteSession))
		r.Get("/layers/{layer}/graphics", observe("/sessions/{session}/layers/{layer}/graphics", a.Graphics))
		r.Get("/layers/{layer}/identify", observe("/sessions/{session}/layers/{layer}/identify", a.Identify))
	})
}

func observe(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

type layerInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (a *API) ListLayers(w http.ResponseWriter, _ *http.Request) {
	opts := a.sessions.Layers()
	out := make([]layerInfo, 0, len(opts))
	for _, o := range opts {
		out = append(out, layerInfo{Name: o.Name, Title: o.Title, URL: o.URL})
	}
	writeJSON(w, http.StatusOK, out)
}

// ViewportRequest is the body of PUT /sessions/{session}/viewport.
type ViewportRequest struct {
	XMin       *float64 `json:"xmin"`
	YMin       *float64 `json:"ymin"`
	XMax       *float64 `json:"xmax"`
	YMax       *float64 `json:"ymax"`
	WKID       int      `json:"wkid"`
	Stationary *bool    `json:"stationary,omitempty"`
}

// ParseViewport decodes and validates a viewport body.
func ParseViewport(body io.Reader) (geo.Extent, bool, error) {
	var req ViewportRequest
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return geo.Extent{}, false, fmt.Errorf("decode body: %w", err)
	}
	if req.XMin == nil || req.YMin == nil || req.XMax == nil || req.YMax == nil {
		return geo.Extent{}, false, errors.New("xmin, ymin, xmax and ymax are required")
	}
	e := geo.Extent{
		XMin: *req.XMin, YMin: *req.YMin, XMax: *req.XMax, YMax: *req.YMax,
		SpatialReference: geo.SpatialReference{WKID: req.WKID},
	}
	if err := e.Validate(); err != nil {
		return geo.Extent{}, false, err
	}
	sr := e.SpatialReference
	if !sr.IsGeographic() && !sr.IsWebMercator() {
		return geo.Extent{}, false, fmt.Errorf("wkid %d: %w", sr.WKID, geo.ErrUnsupportedSpatialReference)
	}
	stationary := req.Stationary == nil || *req.Stationary
	return e, stationary, nil
}

type layerResult struct {
	Layer       string `json:"layer"`
	Generation  uint64 `json:"generation"`
	Count       int    `json:"count"`
	Unsupported int    `json:"unsupported"`
	Error       string `json:"error,omitempty"`
}

type viewportResponse struct {
	Session string        `json:"session"`
	Extent  string        `json:"bbox"`
	Layers  []layerResult `json:"layers,omitempty"`
}

// PutViewport moves the session viewport. With ?wait=true and a stationary
// viewport it answers once every layer finished its refresh.
func (a *API) PutViewport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	ctx := mylog.WithSession(r.Context(), id)

	ext, stationary, err := ParseViewport(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, err := a.sessions.GetOrCreate(id)
	if err != nil {
		a.sessionError(w, err)
		return
	}

	resp := viewportResponse{Session: id, Extent: ext.BBox()}
	if !stationary {
		s.View().Update(ext)
		observability.IncViewportEvent("http")
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	since := s.Generations()
	s.View().Settle(ext)
	observability.IncViewportEvent("http")
	a.logger.DebugContext(ctx, "viewport settled", "bbox", resp.Extent, "wkid", ext.SpatialReference.WKID)

	if !wantWait(r) {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, a.waitTimeout)
	defer cancel()
	results, err := s.Await(wctx, since)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	for i, l := range s.Layers() {
		res := results[i]
		lr := layerResult{
			Layer:       l.Options.Name,
			Generation:  res.Generation,
			Count:       res.Count,
			Unsupported: res.Unsupported,
		}
		if res.Err != nil {
			lr.Error = res.Err.Error()
		}
		resp.Layers = append(resp.Layers, lr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func wantWait(r *http.Request) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))
	return err == nil && v
}

type graphicsResponse struct {
	Session    string            `json:"session"`
	Layer      string            `json:"layer"`
	Title      string            `json:"title"`
	Generation uint64            `json:"generation"`
	Graphics   []graphic.Graphic `json:"graphics"`
}

// Graphics returns the current generation of a session layer.
func (a *API) Graphics(w http.ResponseWriter, r *http.Request) {
	s, l, ok := a.lookup(w, r)
	if !ok {
		return
	}
	gen, gs := l.Render.Snapshot()
	if gs == nil {
		gs = []graphic.Graphic{}
	}
	writeJSON(w, http.StatusOK, graphicsResponse{
		Session:    s.ID,
		Layer:      l.Options.Name,
		Title:      l.Options.Title,
		Generation: gen,
		Graphics:   gs,
	})
}

// Identify returns the graphics drawn at x,y. wkid defaults to 4326.
func (a *API) Identify(w http.ResponseWriter, r *http.Request) {
	s, l, ok := a.lookup(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(strings.TrimSpace(q.Get("x")), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(q.Get("y")), 64)
	if errX != nil || errY != nil {
		writeError(w, http.StatusBadRequest, "x and y must be numbers")
		return
	}
	wkid := 0
	if v := strings.TrimSpace(q.Get("wkid")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wkid")
			return
		}
		wkid = n
	}
	tol := a.tolerance
	if v := strings.TrimSpace(q.Get("tolerance")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, http.StatusBadRequest, "invalid tolerance")
			return
		}
		tol = f
	}
	p, err := geo.PointToGeographic(x, y, geo.SpatialReference{WKID: wkid})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gen, _ := l.Render.Snapshot()
	hits := l.Render.Identify(p, tol)
	if hits == nil {
		hits = []graphic.Graphic{}
	}
	writeJSON(w, http.StatusOK, graphicsResponse{
		Session:    s.ID,
		Layer:      l.Options.Name,
		Title:      l.Options.Title,
		Generation: gen,
		Graphics:   hits,
	})
}

func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	if !a.sessions.Remove(id) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	a.logger.InfoContext(mylog.WithSession(r.Context(), id), "session removed")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, *session.Layer, bool) {
	s, ok := a.sessions.Get(chi.URLParam(r, "session"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, nil, false
	}
	l, ok := s.Layer(chi.URLParam(r, "layer"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown layer")
		return nil, nil, false
	}
	return s, l, true
}

func (a *API) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("session lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
