package wfs3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
)

// StatusError is returned for non-2xx item responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type Client struct {
	logger        *slog.Logger
	client        *http.Client
	collectionURL string
}

// NewClient does not validate collectionURL; a bad URL fails on the first fetch.
func NewClient(logger *slog.Logger, client *http.Client, collectionURL string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		logger:        logger,
		client:        client,
		collectionURL: collectionURL,
	}
}

// FetchItems issues GET {collection}/items?bbox=..&f=json and returns the raw body.
func (c *Client) FetchItems(ctx context.Context, bbox geo.Extent) ([]byte, error) {
	u, err := url.Parse(ItemsEndpoint(c.collectionURL))
	if err != nil {
		return nil, fmt.Errorf("parse items url: %w", err)
	}
	q := u.Query()
	for k, vs := range BuildItemsParams(bbox) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	c.logger.DebugContext(ctx, "wfs3 items request", "url", u.String())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency("wfs3", dur.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	c.logger.DebugContext(ctx, "wfs3 items done",
		"status", resp.StatusCode,
		"bytes", len(b),
		"duration", dur.String())
	return b, nil
}
