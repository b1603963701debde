package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/config"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/layer"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/session"
)

type fetchFunc func(ctx context.Context, bbox geo.Extent) ([]byte, error)

func (f fetchFunc) FetchItems(ctx context.Context, bbox geo.Extent) ([]byte, error) {
	return f(ctx, bbox)
}

const lakes = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[4,0],[4,4],[0,4],[0,0]]]},"properties":{"name":"Lake X","area":12.5}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[10,10]},"properties":{"name":"Buoy"}}]}`

func newTestServer(t *testing.T, f layer.Fetcher, wait time.Duration) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := session.NewRegistry(session.Config{
		Layers:  []layer.Options{{Name: "lakes", Title: "Large Lakes", URL: "https://example.org/collections/lakes"}},
		Size:    8,
		Fetcher: func(layer.Options) layer.Fetcher { return f },
	}, logger, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)

	cfg := config.Config{WaitTimeout: wait, IdentifyTolerance: 0.01}
	r := chi.NewRouter()
	NewAPI(logger, cfg, reg).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func staticLakes() layer.Fetcher {
	return fetchFunc(func(context.Context, geo.Extent) ([]byte, error) { return []byte(lakes), nil })
}

func TestViewportToGraphicsRoundTrip(t *testing.T) {
	srv := newTestServer(t, staticLakes(), 2*time.Second)

	resp, body := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport?wait=true",
		`{"xmin":-1,"ymin":-1,"xmax":20,"ymax":20,"wkid":4326}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", resp.StatusCode, body)
	}
	var vr viewportResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vr.Layers) != 1 || vr.Layers[0].Count != 2 || vr.Layers[0].Error != "" {
		t.Fatalf("layers=%+v", vr.Layers)
	}
	if vr.Extent != "-1,-1,20,20" {
		t.Fatalf("bbox=%q", vr.Extent)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/graphics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET graphics status=%d", resp.StatusCode)
	}
	var gr struct {
		Title      string `json:"title"`
		Generation uint64 `json:"generation"`
		Graphics   []struct {
			ID     string `json:"id"`
			Symbol struct {
				Type string `json:"type"`
			} `json:"symbol"`
			Template struct {
				Title  string `json:"title"`
				Fields []struct {
					FieldName string `json:"fieldName"`
				} `json:"fieldInfos"`
			} `json:"popupTemplate"`
		} `json:"graphics"`
	}
	if err := json.Unmarshal(body, &gr); err != nil {
		t.Fatalf("decode graphics: %v body=%s", err, body)
	}
	if gr.Generation != vr.Layers[0].Generation || len(gr.Graphics) != 2 {
		t.Fatalf("gen=%d graphics=%d", gr.Generation, len(gr.Graphics))
	}
	first := gr.Graphics[0]
	if first.Symbol.Type != "simple-fill" || first.Template.Title != "Large Lakes" {
		t.Fatalf("first graphic %+v", first)
	}
	if len(first.Template.Fields) != 2 || first.Template.Fields[0].FieldName != "name" || first.Template.Fields[1].FieldName != "area" {
		t.Fatalf("fields %+v", first.Template.Fields)
	}
	if !strings.Contains(string(body), `"attributes":{"name":"Lake X","area":12.5}`) {
		t.Fatalf("attribute order lost: %s", body)
	}
}

func TestIdentify(t *testing.T) {
	srv := newTestServer(t, staticLakes(), 2*time.Second)
	if resp, body := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport?wait=1",
		`{"xmin":-1,"ymin":-1,"xmax":20,"ymax":20}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", resp.StatusCode, body)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/identify?x=2&y=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("identify status=%d body=%s", resp.StatusCode, body)
	}
	var out struct {
		Graphics []json.RawMessage `json:"graphics"`
	}
	_ = json.Unmarshal(body, &out)
	if len(out.Graphics) != 1 || !strings.Contains(string(out.Graphics[0]), "Lake X") {
		t.Fatalf("hits=%s", body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/identify?x=50&y=50", "")
	_ = json.Unmarshal(body, &out)
	if len(out.Graphics) != 0 {
		t.Fatalf("expected no hits, got %s", body)
	}

	if resp, _ := do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/identify?x=a&y=2", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad x status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/identify?x=1&y=2&wkid=2154", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad wkid status=%d", resp.StatusCode)
	}
}

func TestPutViewport_Validation(t *testing.T) {
	srv := newTestServer(t, staticLakes(), time.Second)
	for _, body := range []string{
		`not json`,
		`{"xmin":0,"ymin":0,"xmax":1}`,
		`{"xmin":5,"ymin":0,"xmax":1,"ymax":1}`,
		`{"xmin":0,"ymin":0,"xmax":1,"ymax":1,"wkid":2154}`,
	} {
		resp, b := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d resp=%s", body, resp.StatusCode, b)
		}
	}
}

func TestPutViewport_AsyncAndMoving(t *testing.T) {
	srv := newTestServer(t, staticLakes(), time.Second)

	resp, _ := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport",
		`{"xmin":0,"ymin":0,"xmax":1,"ymax":1,"stationary":false}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("moving status=%d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/lakes/graphics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"graphics":[]`) {
		t.Fatalf("moving viewport must not draw: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport", `{"xmin":0,"ymin":0,"xmax":1,"ymax":1}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async status=%d", resp.StatusCode)
	}
}

func TestPutViewport_WaitTimeout(t *testing.T) {
	block := fetchFunc(func(ctx context.Context, _ geo.Extent) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := newTestServer(t, block, 50*time.Millisecond)

	resp, _ := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport?wait=true", `{"xmin":0,"ymin":0,"xmax":1,"ymax":1}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status=%d want 504", resp.StatusCode)
	}
}

func TestUpstreamFailureReported(t *testing.T) {
	fail := fetchFunc(func(context.Context, geo.Extent) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	})
	srv := newTestServer(t, fail, time.Second)

	resp, body := do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport?wait=true", `{"xmin":0,"ymin":0,"xmax":1,"ymax":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "unexpected EOF") {
		t.Fatalf("error not reported: %s", body)
	}
}

func TestLayersAndDelete(t *testing.T) {
	srv := newTestServer(t, staticLakes(), time.Second)

	resp, body := do(t, http.MethodGet, srv.URL+"/layers", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"title":"Large Lakes"`) {
		t.Fatalf("layers %d %s", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodGet, srv.URL+"/sessions/nope/layers/lakes/graphics", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status=%d", resp.StatusCode)
	}

	do(t, http.MethodPut, srv.URL+"/sessions/s1/viewport", `{"xmin":0,"ymin":0,"xmax":1,"ymax":1}`)
	if resp, _ := do(t, http.MethodGet, srv.URL+"/sessions/s1/layers/rivers/graphics", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown layer status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/sessions/s1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/sessions/s1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
}
