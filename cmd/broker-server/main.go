// Package main provides the broker-server entrypoint: it wires
// configuration, logging, storage, pub/sub, persistence, the connection
// registry, and the HTTP/WebSocket surface, then runs until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/telemetry-broker/buffer"
	"github.com/justapithecus/telemetry-broker/config"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/metrics"
	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/server"
	"github.com/justapithecus/telemetry-broker/session/consumer"
	"github.com/justapithecus/telemetry-broker/session/edge"
	"github.com/justapithecus/telemetry-broker/storage"
	"github.com/justapithecus/telemetry-broker/supervisor"
	"github.com/justapithecus/telemetry-broker/topic"
	"github.com/justapithecus/telemetry-broker/types"
)

func main() {
	app := &cli.App{
		Name:   "broker-server",
		Usage:  "Real-time biosignal telemetry broker",
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rootLogger := log.NewLevelLogger(cfg.LogLevel)
	logger := rootLogger.With(types.SessionContext{Component: "broker-server"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	bufferMgr := buffer.NewManager(cfg.BufferCapacity)
	connRegistry := registry.New(logger.With(types.SessionContext{Component: "registry"}))

	var closers []supervisor.Closer

	var fanout *topic.Fanout
	if cfg.EnableRedisPubSub {
		fanout, err = topic.New(topic.Config{URL: cfg.RedisURL}, logger.With(types.SessionContext{Component: "topic"}))
		if err != nil {
			return fmt.Errorf("create topic fanout: %w", err)
		}
		fanout.OnPublishFailure(func(t string) { metricsReg.MessagesFailed.WithLabelValues("publish", "topic").Inc() })
		closers = append(closers, fanout)
	}

	var pipeline *persistence.Pipeline
	var sessionStore edge.SessionStore
	var dbPinger server.Pinger
	if cfg.EnableDBPersistence {
		sink, err := storage.NewPostgresSink(ctx, cfg.DatabaseURL, logger.With(types.SessionContext{Component: "storage"}))
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := sink.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		closers = append(closers, sink)
		sessionStore = sink
		dbPinger = sink

		pipelineHooks := persistence.Hooks{
			OnWrite: func(table string, n int, d time.Duration) {
				metricsReg.DBWritesTotal.WithLabelValues(table).Inc()
				metricsReg.DBBatchSize.WithLabelValues(table).Observe(float64(n))
				metricsReg.DBWriteDurationSecs.WithLabelValues(table).Observe(d.Seconds())
			},
			OnFail: func(table string) { metricsReg.MessagesFailed.WithLabelValues("flush", table).Inc() },
		}

		if cfg.DeadLetterEnabled() {
			archive, err := storage.NewDeadLetterArchive(ctx, storage.DeadLetterConfig{
				Bucket:   cfg.DeadLetterS3Bucket,
				Prefix:   cfg.DeadLetterS3Prefix,
				Region:   cfg.DeadLetterS3Region,
				Endpoint: cfg.DeadLetterS3Endpoint,
			}, logger.With(types.SessionContext{Component: "dead_letter"}))
			if err != nil {
				return fmt.Errorf("create dead-letter archive: %w", err)
			}
			pipelineHooks.OnArchive = archive.ArchiveBatch
		}

		pipeline = persistence.New(sink, persistence.Config{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval.Duration,
			HighWaterMark: cfg.PersistenceHighWaterMark,
		}, logger.With(types.SessionContext{Component: "persistence"}), pipelineHooks)
	}

	edgeDeps := edge.Deps{
		Registry:    connRegistry,
		Buffers:     bufferMgr,
		Topic:       fanout,
		Persistence: pipeline,
		Metrics:     metricsReg,
		Sessions:    sessionStore,
		Logger:      logger,
		APIKey:      cfg.EdgeAPIKey,
	}
	consumerDeps := consumer.Deps{
		Registry:    connRegistry,
		Topic:       fanout,
		Persistence: pipeline,
		Metrics:     metricsReg,
		Logger:      logger,
	}

	var redisPinger server.Pinger
	if fanout != nil {
		redisPinger = fanout
	}

	httpServer := server.New(server.Deps{
		Addr:         cfg.HTTPAddr,
		Buffers:      bufferMgr,
		Registry:     connRegistry,
		Persistence:  pipeline,
		Gatherer:     promReg,
		EdgeDeps:     edgeDeps,
		ConsumerDeps: consumerDeps,
		Redis:        redisPinger,
		Database:     dbPinger,
		Logger:       logger,
	})

	var pipelineLifecycle supervisor.Pipeline
	if pipeline != nil {
		pipelineLifecycle = pipeline
	}

	sup := supervisor.New(supervisor.Deps{
		Server:        httpServer,
		Pipeline:      pipelineLifecycle,
		Closers:       closers,
		ShutdownGrace: cfg.ShutdownGrace.Duration,
		Logger:        logger,
	})

	return sup.Run(ctx)
}
