// Package sink holds the drawable sinks a layer publishes its generations to.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
)

// ErrOlderGeneration is returned when a sink already holds a newer generation.
var ErrOlderGeneration = errors.New("sink holds a newer generation")

// Sink receives whole generations. Replace swaps the previous generation for
// graphics in one step; Clear empties the sink but remembers the generation.
type Sink interface {
	Replace(ctx context.Context, generation uint64, graphics []graphic.Graphic) error
	Clear(ctx context.Context) error
}

// Multi fans a generation out to several sinks. Every sink is attempted.
type Multi []Sink

func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) Replace(ctx context.Context, generation uint64, graphics []graphic.Graphic) error {
	var errs []error
	for i, s := range m {
		if err := s.Replace(ctx, generation, graphics); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Clear(ctx context.Context) error {
	var errs []error
	for i, s := range m {
		if err := s.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}
