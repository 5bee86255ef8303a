package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/liuzhixin405/netcorespot-sub000/internal/config"
	"github.com/liuzhixin405/netcorespot-sub000/internal/durable"
	"github.com/liuzhixin405/netcorespot-sub000/internal/engine"
	"github.com/liuzhixin405/netcorespot-sub000/internal/handlers"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/internal/service"
	"github.com/liuzhixin405/netcorespot-sub000/internal/settlement"
	"github.com/liuzhixin405/netcorespot-sub000/internal/syncer"
	"github.com/liuzhixin405/netcorespot-sub000/libs/health"
	"github.com/liuzhixin405/netcorespot-sub000/libs/httpmiddleware"
	"github.com/liuzhixin405/netcorespot-sub000/libs/kafka"
	"github.com/liuzhixin405/netcorespot-sub000/libs/logging"
	"github.com/liuzhixin405/netcorespot-sub000/libs/metrics"
	"github.com/liuzhixin405/netcorespot-sub000/libs/trace"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engineMetrics := engine.NewMetrics(registry)
	syncMetrics := syncer.NewMetrics(registry)

	ready := health.NewManager(false)

	symbols, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("symbol registry", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	durableStore := durable.New(pool)
	if err := durableStore.Migrate(context.Background()); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	ledgerStore := ledger.New(redisClient, logger)
	orderStore := orderstore.New(redisClient, logger)
	settler := settlement.New(ledgerStore, orderStore, cfg.Engine.TakerFeeBps, logger)

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
	}

	eng := engine.New(symbols, ledgerStore, orderStore, settler, publisher, engine.Topics{
		TradesExecuted: cfg.Kafka.Topics.TradesExecuted,
		BookDeltas:     cfg.Kafka.Topics.BookDeltas,
	}, engine.Config{
		MarketBuySlippageBps: cfg.Engine.MarketBuySlippageBps,
		SelfTradeExemptUsers: cfg.Engine.SelfTradeExemptUsers,
	}, logger, engineMetrics)

	sync := syncer.New(redisClient, ledgerStore, orderStore, durableStore, symbols, syncer.Config{
		Interval:   cfg.Sync.Interval,
		BatchSize:  int64(cfg.Sync.BatchSize),
		LeaseKey:   cfg.Sync.LeaseKey,
		LeaseTTL:   cfg.Sync.LeaseTTL,
		HolderName: holderName(cfg),
	}, logger, syncMetrics)

	if err := sync.Bootstrap(context.Background()); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	tradeSvc := service.New(eng, ledgerStore, orderStore, durableStore, symbols, logger)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(tradeSvc, logger).Register(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		logger.Info("sync pipeline starting", "interval", cfg.Sync.Interval.String())
		sync.Run(workerCtx)
	}()

	if cfg.Engine.OrderMaxAge > 0 {
		go runExpirySweep(workerCtx, eng, cfg.Engine.OrderMaxAge, cfg.Engine.ExpirySweepInterval, logger)
	}

	ready.SetReady(true)

	go func() {
		logger.Info("tradecore http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, workerCancel, syncDone, logger)
}

func buildRegistry(cfg *config.Config) (*market.Registry, error) {
	symbols := make([]market.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, market.Symbol{
			Name:              s.Name,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		})
	}
	return market.NewRegistry(symbols)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func holderName(cfg *config.Config) string {
	if cfg.Sync.HolderName != "" {
		return cfg.Sync.HolderName
	}
	host, err := os.Hostname()
	if err != nil {
		return cfg.App.ServiceName
	}
	return cfg.App.ServiceName + "@" + host
}

func runExpirySweep(ctx context.Context, eng *engine.Engine, maxAge, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("expiry sweep starting", "max_age", maxAge.String(), "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.ExpireOrders(ctx, maxAge); err != nil {
				logger.Error("expiry sweep", "error", err)
			}
		}
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, syncDone <-chan struct{}, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	// Stop the workers after the HTTP drain; the syncer flushes its queues
	// before exiting.
	cancel()
	select {
	case <-syncDone:
	case <-time.After(15 * time.Second):
		logger.Warn("sync pipeline did not stop in time")
	}
	logger.Info("shutdown complete")
}
