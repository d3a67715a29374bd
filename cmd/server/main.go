package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"

	apihttp "pricefinder/internal/api/http"
	"pricefinder/internal/app"
	"pricefinder/internal/cache"
	"pricefinder/internal/coordinator"
	"pricefinder/internal/dispatch"
	"pricefinder/internal/filter"
	"pricefinder/internal/metrics"
	"pricefinder/internal/queue"
	mongorepo "pricefinder/internal/repository/mongo"
	"pricefinder/internal/telemetry"
	"pricefinder/internal/worker"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "pricefinder", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	policy := dispatch.DropOnDisconnect
	if cfg.RequeueOnDisconnect {
		policy = dispatch.RequeueOnDisconnect
	}

	logger.Info("configuration loaded",
		slog.String("service", "pricefinder"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Int("cacheMaxEntries", cfg.CacheMaxEntries),
		slog.Bool("hasRedis", cfg.RedisURL != ""),
		slog.Bool("hasMongo", cfg.MongoURI != ""),
		slog.Bool("hasWorkerSecret", cfg.WorkerSecret != ""),
		slog.Bool("hasAdminCode", cfg.AdminCode != ""),
		slog.String("disconnectPolicy", policy.String()),
		slog.Duration("pollInterval", cfg.PollInterval),
	)
	if cfg.WorkerSecret == "" {
		logger.Warn("WORKER_SECRET is not set; worker connections and submissions will be rejected")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cacheOpts := []cache.Option{
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithLogger(logger),
	}
	if backend := buildRedisBackend(rootCtx, cfg, logger); backend != nil {
		cacheOpts = append(cacheOpts, cache.WithBackend(backend))
	}
	resultCache := cache.New(cacheOpts...)

	jobQueue := queue.New()
	channel := worker.NewChannel(cfg.WorkerSecret, worker.WithLogger(logger))
	dispatcher := dispatch.New(jobQueue, channel,
		dispatch.WithLogger(logger),
		dispatch.WithDisconnectPolicy(policy),
	)
	pipeline := filter.New(filter.Config{
		AccessoryKeywords:   cfg.AccessoryKeywords,
		RefurbishedKeywords: cfg.RefurbishedKeywords,
		PlaceholderImage:    cfg.PlaceholderImageURL,
	}, filter.WithLogger(logger))

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithAdminCode(cfg.AdminCode),
		coordinator.WithTraffic(coordinator.NewTraffic(cfg.HistoryLimit, nil)),
	}
	mongoClient := connectMongo(rootCtx, cfg, logger)
	if mongoClient != nil {
		coordOpts = append(coordOpts, coordinator.WithTrafficStore(mongorepo.NewTrafficRepository(mongoClient, cfg.MongoDatabase)))
	}
	coord := coordinator.New(resultCache, dispatcher, channel, pipeline, coordOpts...)

	if err := coord.LoadTraffic(rootCtx); err != nil {
		logger.Warn("traffic restore failed", slog.String("error", err.Error()))
	}

	handler := apihttp.NewServer(coord, channel,
		apihttp.WithLogger(logger),
		apihttp.WithPolling(cfg.PollInterval, cfg.PollMaxAttempts),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(rootCtx)
	group.Go(func() error {
		logger.Info("pricefinder started", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return coord.RunTrafficFlusher(groupCtx, cfg.TrafficFlush)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received")
		channel.ForceDisconnect()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("pricefinder stopped with error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}
	logger.Info("pricefinder stopped")
}

func buildRedisBackend(ctx context.Context, cfg app.Config, logger *slog.Logger) *cache.RedisBackend {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	backend := cache.NewRedisBackend(redis.NewClient(redisOpts), "")
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		logger.Warn("redis not reachable, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return backend
}

func connectMongo(ctx context.Context, cfg app.Config, logger *slog.Logger) *mongo.Client {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		logger.Info("mongo not configured, traffic counters are in-memory only")
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := mongorepo.Connect(connectCtx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, traffic counters are in-memory only", slog.String("error", err.Error()))
		return nil
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		logger.Warn("mongo ping failed, traffic counters are in-memory only", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil
	}
	logger.Info("mongo connected", slog.String("database", cfg.MongoDatabase))
	return client
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
