package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/config"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/health"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/httpclient"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/router"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/server"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/layer"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/logger"
	h3mapper "github.com/mohammed-shakir/wfs3-feature-stream/internal/mapper/h3"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/session"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/sink"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/viewport/kafkasource"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/wfs3"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "listen address (overrides ADDR)")
	layers := flag.String("layers", "", "title=url;title=url (overrides LAYERS)")
	flag.Parse()

	dotenvErr := config.LoadDotEnv(*envFile)
	cfg := config.FromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if strings.TrimSpace(*layers) != "" {
		cfg.Collections = config.ParseCollections(*layers)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "featurestream",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	if dotenvErr != nil {
		appLog.Warn("dotenv not loaded", "err", dotenvErr)
	}

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting featurestream",
		"addr", cfg.Addr,
		"version", Version,
		"layers", len(cfg.Collections),
		"redis_sink", cfg.Redis.Enabled,
		"kafka_events", cfg.Kafka.GenerationEvents,
		"kafka_viewports", cfg.Kafka.ViewportSource)

	if len(cfg.Collections) == 0 {
		appLog.Error("no layers configured")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := health.Checks{}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		dctx, cancel := context.WithTimeout(ctx, cfg.Redis.OpTTL)
		c, err := sink.DialRedis(dctx, cfg.Redis.Addr)
		cancel()
		if err != nil {
			appLog.Error("redis sink setup failed", "err", err, "addr", cfg.Redis.Addr)
			return 1
		}
		rdb = c
		defer func() { _ = rdb.Close() }()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var pub *sink.KafkaPublisher
	if cfg.Kafka.GenerationEvents {
		prod, err := sink.NewAsyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			appLog.Error("kafka producer setup failed", "err", err, "brokers", cfg.Kafka.Brokers)
			return 1
		}
		pub = sink.NewKafkaPublisher(appLog, prod, cfg.Kafka.GenerationTopic, cfg.Kafka.QueueSize)
		defer func() { _ = pub.Close() }()
	}

	client := httpclient.NewOutbound(cfg.WFS3Timeout)
	opts := make([]layer.Options, 0, len(cfg.Collections))
	fetchers := make(map[string]layer.Fetcher, len(cfg.Collections))
	for _, c := range cfg.Collections {
		o := layer.Options{Name: c.Name, URL: c.URL, Title: c.Title}
		opts = append(opts, o)
		fetchers[o.Name] = wfs3.NewClient(appLog, client, o.URL)
		appLog.Info("layer configured", "name", o.Name, "title", o.Title, "url", o.URL)
	}

	mapper := h3mapper.New()
	extra := func(id string, o layer.Options) []sink.Sink {
		key := id + "/" + o.Name
		var out []sink.Sink
		if rdb != nil {
			rs := sink.NewRedis(rdb, key, mapper, cfg.Redis.H3Res)
			rctx, cancel := context.WithTimeout(ctx, cfg.Redis.OpTTL)
			if err := rs.Reset(rctx); err != nil {
				appLog.Warn("redis sink reset failed", "session", id, "layer", o.Name, "err", err)
			}
			cancel()
			out = append(out, rs)
		}
		if pub != nil {
			out = append(out, pub.SinkFor(key))
		}
		return out
	}

	reg, err := session.NewRegistry(session.Config{
		Layers:     opts,
		Size:       cfg.SessionCacheSize,
		Fetcher:    func(o layer.Options) layer.Fetcher { return fetchers[o.Name] },
		ExtraSinks: extra,
	}, appLog, &zl)
	if err != nil {
		appLog.Error("session registry setup failed", "err", err)
		return 1
	}
	defer reg.Close()
	checks["sessions"] = reg.Check

	if cfg.Kafka.ViewportSource {
		kcfg := kafkasource.FromEnv()
		kcfg.Brokers = cfg.Kafka.Brokers
		kcfg.Topic = cfg.Kafka.ViewportTopic
		kcfg.GroupID = cfg.Kafka.GroupID

		kzl := zl.With().Str("component", "kafka_viewport_source").Logger()
		src := kafkasource.New(kcfg, appLog, &kzl, reg)
		go func() {
			if err := src.Start(ctx); err != nil {
				appLog.Error("kafka viewport source stopped", "err", err)
			}
		}()
	}

	api := router.NewAPI(appLog, cfg, reg)
	if err := server.Run(ctx, cfg, appLog, server.NewHandler(appLog, api, checks)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
