// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness(ctx context.Context) (ready bool, failing map[string]string)
}

// Checks is a named set of dependency probes. It is ready when all pass.
type Checks map[string]func(context.Context) error

func (c Checks) Readiness(ctx context.Context) (bool, map[string]string) {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	var failing map[string]string
	for _, name := range names {
		if err := c[name](ctx); err != nil {
			if failing == nil {
				failing = map[string]string{}
			}
			failing[name] = err.Error()
		}
	}
	return len(failing) == 0, failing
}

func Readiness(rr ReadinessReporter, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status  string            `json:"status"`
			Failing map[string]string `json:"failing,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		ready, failing := rr.Readiness(ctx)
		out := resp{Status: "ready"}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out = resp{Status: "not_ready", Failing: failing}
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
