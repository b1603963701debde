// Package kafkasource feeds viewport changes from a Kafka topic into session views.
package kafkasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
	mylog "github.com/mohammed-shakir/wfs3-feature-stream/internal/logger"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/viewport"
)

// Event is one viewport change. A missing Stationary means the viewport
// stopped at the extent.
type Event struct {
	Session    string  `json:"session"`
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	WKID       int     `json:"wkid"`
	Stationary *bool   `json:"stationary,omitempty"`
}

func (e Event) Extent() geo.Extent {
	return geo.Extent{
		XMin: e.XMin, YMin: e.YMin, XMax: e.XMax, YMax: e.YMax,
		SpatialReference: geo.SpatialReference{WKID: e.WKID},
	}
}

// ViewLookup returns the view of a session, creating the session if needed.
type ViewLookup interface {
	View(ctx context.Context, session string) (*viewport.View, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	zlog   *zerolog.Logger
	views  ViewLookup
	dedupe *offsetDedupe
}

func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, views ViewLookup) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, zlog: zl, views: views, dedupe: newOffsetDedupe(cfg.DedupeSize)}
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.views == nil {
		return errors.New("kafkasource: missing view lookup")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka viewport source starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka viewport source shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				obs.IncKafkaError("consume")
				c.logger.Error("consumer error", "err", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne applies one viewport event. Undecodable or invalid events are
// logged and skipped so they do not block the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = mylog.WithComponent(ctx, "kafka_viewport_source")

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.skip(ctx, msg, "decode", err)
		return nil
	}
	if ev.Session == "" {
		c.skip(ctx, msg, "no_session", errors.New("missing session"))
		return nil
	}
	ext := ev.Extent()
	if err := ext.Validate(); err != nil {
		c.skip(ctx, msg, "invalid_extent", err)
		return nil
	}

	key := dedupeKey(ev.Session, msg.Partition)
	if c.dedupe.seen(key, msg.Offset) {
		obs.IncKafkaError("duplicate")
		c.logger.Debug("duplicate viewport event", "session", ev.Session,
			"partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	view, err := c.views.View(ctx, ev.Session)
	if err != nil {
		obs.IncKafkaError("lookup")
		return fmt.Errorf("session %q: %w", ev.Session, err)
	}

	if ev.Stationary == nil || *ev.Stationary {
		view.Settle(ext)
	} else {
		view.Update(ext)
	}
	c.dedupe.record(key, msg.Offset)
	obs.IncViewportEvent("kafka")

	mylog.FromContext(mylog.WithSession(ctx, ev.Session), c.zlog).Debug().
		Str("event", "viewport").
		Str("bbox", ext.BBox()).
		Int("wkid", ev.WKID).
		Msg("viewport applied")
	return nil
}

func (c *Consumer) skip(ctx context.Context, msg *sarama.ConsumerMessage, kind string, err error) {
	obs.IncKafkaError(kind)
	c.logger.Warn("skipping viewport event", "kind", kind, "err", err,
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	mylog.FromContext(ctx, c.zlog).Error().
		Str("kind", kind).
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("kafka error")
}
