package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/config"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/health"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/router"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/layer"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/session"
)

func newHandler(t *testing.T, checks health.Checks) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := session.NewRegistry(session.Config{
		Layers: []layer.Options{{Name: "lakes", Title: "Large Lakes", URL: "https://example.org/collections/lakes"}},
	}, logger, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)
	return NewHandler(logger, router.NewAPI(logger, config.Config{}, reg), checks)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHandler_Probes(t *testing.T) {
	h := newHandler(t, health.Checks{"sessions": func(context.Context) error { return nil }})

	if rr := get(t, h, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rr.Code)
	}
	if rr := get(t, h, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz=%d", rr.Code)
	}
	if rr := get(t, h, "/layers"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "lakes") {
		t.Fatalf("layers=%d %s", rr.Code, rr.Body.String())
	}
	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics=%d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestHandler_NotReady(t *testing.T) {
	h := newHandler(t, health.Checks{"redis": func(context.Context) error { return errors.New("down") }})
	if rr := get(t, h, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503", rr.Code)
	}
}
