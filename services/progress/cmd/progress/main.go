package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/auth"
	"github.com/example/edu-platform/internal/platform/cache"
	"github.com/example/edu-platform/internal/platform/config"
	"github.com/example/edu-platform/internal/platform/events"
	"github.com/example/edu-platform/internal/platform/httpserver"
	"github.com/example/edu-platform/internal/platform/logging"
	"github.com/example/edu-platform/internal/platform/natsconn"
	"github.com/example/edu-platform/internal/platform/run"
	progressconfig "github.com/example/edu-platform/services/progress/internal/config"
	"github.com/example/edu-platform/services/progress/internal/grpcapi"
	"github.com/example/edu-platform/services/progress/internal/handlers"
	"github.com/example/edu-platform/services/progress/internal/outbox"
	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/tracker"
	"github.com/example/edu-platform/services/progress/internal/worker"
)

const (
	invalidationSubject = "catalog.invalidate"
	cachePrefix         = "progress:"
)

func main() {
	run.Exit(serve())
}

func serve() int {
	v, err := config.New(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	appCfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	cfg, err := progressconfig.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	log, err := logging.New(appCfg.LogLevel, appCfg.ServiceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	// store
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Error("store open", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()
	if cfg.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			log.Error("migrate", zap.Error(err))
			return 1
		}
	}
	if cfg.DatabaseDriver == progressconfig.DriverSQLite && appCfg.IsProd() {
		log.Warn("sqlite store in production; use postgres for multi-instance deployments")
	}

	// cache
	var backend cache.Backend = cache.NewMemory()
	if cfg.RedisURL != "" {
		rb, err := cache.NewRedis(cfg.RedisURL, cachePrefix)
		if err != nil {
			log.Error("redis", zap.Error(err))
			return 1
		}
		backend = rb
	}
	catalogCache := cache.New(backend, log)
	defer func() { _ = catalogCache.Close() }()

	tr := tracker.New(st, catalogCache, log, tracker.Options{
		CatalogTTL: cfg.CatalogCacheTTL,
	})

	var tasks []func(ctx context.Context) error
	var playback *events.Publisher

	// nats
	if cfg.NATSURL != "" {
		nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL})
		if err != nil {
			log.Error("nats connect", zap.Error(err))
			return 1
		}
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			log.Error("jetstream", zap.Error(err))
			return 1
		}

		relay := outbox.NewRelay(log, st, js, cfg.OutboxPollInterval)
		if err := relay.EnsureStream(); err != nil {
			log.Error("ensure stream", zap.String("stream", outbox.StreamName), zap.Error(err))
			return 1
		}
		tasks = append(tasks, relay.Run)

		if _, err := catalogCache.SubscribeInvalidation(nc, invalidationSubject); err != nil {
			log.Error("cache invalidation subscribe", zap.Error(err))
			return 1
		}

		if cfg.AsyncPlayback {
			sub, err := worker.SubscribePlayback(js)
			if err != nil {
				log.Error("playback subscribe", zap.Error(err))
				return 1
			}
			playback = events.New(js, true, log)
			tasks = append(tasks, worker.NewPlaybackConsumer(log, tr, sub).Run)
		}
	} else {
		log.Warn("NATS_URL not set; outbox relay and cache invalidation are disabled")
	}

	tasks = append(tasks, worker.NewReconciler(log, st, tr, cfg.ReconcileInterval).Run)

	// http
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(pingCtx)
		},
		CORSOrigins: strings.Join(appCfg.HTTP.CORSOrigins, ","),
		Logger:      log,
	})
	handlers.New(tr, playback, log).Register(r, auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)})
	srv := httpserver.New(httpserver.Options{Addr: appCfg.HTTP.Addr, Logger: log, Router: r})

	// grpc
	health := grpcapi.New(log, st, 10*time.Second)

	tasks = append(tasks,
		srv.Run,
		func(ctx context.Context) error { return health.Run(ctx, cfg.GRPCAddr) },
	)

	code := run.New(log).WithSignals(tasks...)
	log.Info("exit", zap.Int("code", code))
	return code
}
