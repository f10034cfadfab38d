// Command hangar runs the package registry: the HTTP API, the ingestion
// pipeline and the periodic catalog snapshotter in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hangar/pkg/admission"
	"github.com/platinummonkey/hangar/pkg/api"
	"github.com/platinummonkey/hangar/pkg/archive"
	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/blob"
	"github.com/platinummonkey/hangar/pkg/broker"
	"github.com/platinummonkey/hangar/pkg/catalog"
	"github.com/platinummonkey/hangar/pkg/config"
	"github.com/platinummonkey/hangar/pkg/notify"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/pipeline"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hangar: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("addr", net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)).
		Info("starting hangar registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	st, err := postgres.Open(postgres.Config{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Rate limiting degrades to fail-open; not fatal.
			logger.WithError(err).Warn("redis unreachable at startup")
		}
		defer redisClient.Close()
	}

	public, err := blob.NewS3Store(ctx, cfg.Blob.S3)
	if err != nil {
		return fmt.Errorf("failed to open public bucket: %w", err)
	}
	privateCfg := cfg.Blob.S3
	privateCfg.Bucket = cfg.Blob.PrivateBucket
	private, err := blob.NewS3Store(ctx, privateCfg)
	if err != nil {
		return fmt.Errorf("failed to open private bucket: %w", err)
	}

	signer := auth.NewSigner([]byte(cfg.Auth.TokenSecret), store.Sessions{Authors: st})

	proc := archive.NewProcessor(archive.Config{
		TempRoot:    cfg.Pipeline.TempRoot,
		DefaultsDir: cfg.Pipeline.DefaultsDir,
	})

	brokerCfg := broker.Config{
		Addr:           cfg.Broker.Addr,
		TrustKeyHash:   cfg.Broker.TrustKeyHash,
		SharedSecret:   cfg.Broker.SharedSecret,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
	}
	channels := func(info broker.JobInfo) pipeline.Channel {
		return broker.NewClient(brokerCfg, info, logger, metrics)
	}

	ingestor := pipeline.NewIngestor(
		st, st, public, private,
		channels, proc,
		notify.Log{Logger: logger},
		logger, metrics,
		pipeline.Config{
			CDNBase:      cfg.Blob.CDNBase,
			AuthDeadline: cfg.Pipeline.AuthDeadline,
			RunDeadline:  cfg.Pipeline.RunDeadline,
			PresignTTL:   cfg.Pipeline.PresignTTL,
		},
	)

	var workers *async.WorkerPool
	if n := cfg.Pipeline.MaxConcurrentIngestions; n > 0 {
		// Worker timeout exceeds the pipeline deadline so the pipeline
		// always unwinds first.
		workers = async.NewWorkerPool(ctx, n, "ingestion", 2*cfg.Pipeline.RunDeadline, logger)
	}

	snapshotter := catalog.NewSnapshotter(st, cfg.Catalog.Path, cfg.Catalog.Schedule, logger, metrics)
	if err := snapshotter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start catalog snapshotter: %w", err)
	}

	var limiter admission.Limiter
	if redisClient != nil {
		limiter = admission.NewRedisLimiter(redisClient, admission.DefaultRateLimitConfig(), "ratelimit")
	} else {
		mem := admission.NewRateLimiter(admission.DefaultRateLimitConfig())
		mem.StartCleanup(ctx)
		limiter = mem
	}

	server := api.NewServer(api.Deps{
		Authors:        st,
		Packages:       st,
		Signer:         signer,
		Ingestor:       ingestor,
		Catalog:        snapshotter.Handler(),
		Guard:          admission.NewGuard(limiter, logger, metrics),
		PreChecks:      admission.NewPreChecker(st),
		Health:         observability.NewHealthChecker(st.DB(), redisClient, public),
		Logger:         logger,
		Metrics:        metrics,
		Workers:        workers,
		UploadDir:      cfg.Pipeline.UploadDir,
		SessionTTL:     cfg.Auth.SessionTTL,
		IssuedTokenTTL: cfg.Auth.IssuedTokenTTL,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Observability.MetricsPort),
			Handler: mux,
		}
	}

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(context.Context) error {
		snapshotter.Stop()
		return nil
	})
	if workers != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return workers.Shutdown(cfg.Server.ShutdownTimeout)
		})
	}
	if metricsServer != nil {
		sm.RegisterShutdownFunc(metricsServer.Shutdown)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return sm.WaitForShutdown()
	})

	return g.Wait()
}
