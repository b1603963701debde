package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
)

// GenerationEvent announces that a layer swapped in a new generation.
type GenerationEvent struct {
	Layer       string      `json:"layer"`
	Generation  uint64      `json:"generation"`
	Count       int         `json:"count"`
	Unsupported int         `json:"unsupported"`
	BBox        *[4]float64 `json:"bbox,omitempty"`
	TS          time.Time   `json:"ts"`
}

// NewAsyncProducer builds the producer used by KafkaPublisher.
func NewAsyncProducer(brokers []string) (sarama.AsyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create async producer: %w", err)
	}
	return prod, nil
}

// KafkaPublisher queues generation events for one topic. Publishing never
// blocks the refresh path: a full queue drops the event.
type KafkaPublisher struct {
	logger    *slog.Logger
	topic     string
	events    chan GenerationEvent
	prod      sarama.AsyncProducer
	stopped   chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func NewKafkaPublisher(logger *slog.Logger, prod sarama.AsyncProducer, topic string, queueSize int) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &KafkaPublisher{
		logger:  logger,
		topic:   topic,
		events:  make(chan GenerationEvent, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		now:     time.Now,
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncKafkaError("marshal")
				p.logger.Error("generation event marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Layer),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncKafkaError("produce")
				p.logger.Error("generation event produce", "err", err)
			}
		}
	}()

	return p
}

func (p *KafkaPublisher) Publish(ev GenerationEvent) {
	select {
	case p.events <- ev:
	default:
		observability.IncKafkaError("queue_full")
	}
}

// Close drains queued events and closes the producer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("close producer: %w", cerr)
		}
	})
	return err
}

// SinkFor returns the sink publishing one layer's generations.
func (p *KafkaPublisher) SinkFor(layer string) *Kafka {
	return &Kafka{pub: p, layer: layer}
}

type Kafka struct {
	pub   *KafkaPublisher
	layer string
}

func (k *Kafka) Replace(_ context.Context, generation uint64, graphics []graphic.Graphic) error {
	start := time.Now()
	ev := GenerationEvent{
		Layer:      k.layer,
		Generation: generation,
		Count:      len(graphics),
		TS:         k.pub.now().UTC(),
	}
	var bound orb.Bound
	seen := false
	for _, g := range graphics {
		if !g.Supported() {
			ev.Unsupported++
			continue
		}
		if !seen {
			bound, seen = g.Geometry.Bound(), true
		} else {
			bound = bound.Union(g.Geometry.Bound())
		}
	}
	if seen {
		ev.BBox = &[4]float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()}
	}
	k.pub.Publish(ev)
	observability.ObserveSinkOp("kafka", "replace", nil, time.Since(start).Seconds())
	return nil
}

func (k *Kafka) Clear(_ context.Context) error {
	k.pub.Publish(GenerationEvent{Layer: k.layer, TS: k.pub.now().UTC()})
	observability.ObserveSinkOp("kafka", "clear", nil, 0)
	return nil
}
