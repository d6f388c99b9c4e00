package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/batchflow/analytics"
	"github.com/BaSui01/batchflow/api/handlers"
	"github.com/BaSui01/batchflow/batch"
	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/internal/server"
	"github.com/BaSui01/batchflow/internal/telemetry"
)

// publicPaths 不需要 API Key 的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/v1/fetch"}

// 就绪检查阈值
const (
	backlogWindows           = 10
	maxFailureRate           = 0.5
	minBatchesForFailureRate = 20
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 BatchFlow 的主服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers

	collector *metrics.Collector
	manager   *batch.Manager
	analytics *analytics.Analytics

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 组装引擎与 HTTP 服务，不监听端口
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		collector: metrics.NewCollector("batchflow", logger),
	}

	manager, err := batch.NewManager(cfg.Batch.ManagerConfig(),
		batch.WithLogger(logger),
		batch.WithRecorder(s.collector),
		batch.WithTracerProvider(providers.TracerProvider()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch manager: %w", err)
	}
	s.manager = manager
	s.analytics = analytics.New(manager,
		analytics.WithConfig(cfg.Analytics.AnalyticsConfig()),
		analytics.WithLogger(logger),
	)

	s.handler = s.buildHandler()
	s.httpManager = server.NewManager("api", s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager("metrics", mux, server.Config{
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
	}

	return s, nil
}

// buildHandler 注册路由并构建中间件链
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.manager, s.logger)
	health.RegisterCheck(handlers.NewManagerCheck(s.manager))
	health.RegisterCheck(handlers.NewBacklogCheck(s.manager, backlogWindows*s.cfg.Batch.MaxBatchSize))
	health.RegisterCheck(handlers.NewFailureRateCheck(s.manager, maxFailureRate, minBatchesForFailureRate))
	health.Register(mux, Version, BuildTime, GitCommit)

	handlers.NewBatchHandler(s.manager, s.analytics, s.cfg.Server.WriteTimeout, s.logger).Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(s.providers.TracerProvider()),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst),
		APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.logger),
	)
}

// =============================================================================
// 🚀 生命周期
// =============================================================================

// Run 启动所有组件并阻塞到 ctx 结束或任一组件失败，返回前关闭引擎
func (s *Server) Run(ctx context.Context) error {
	reg, err := s.providers.ObserveEngine(s.manager)
	if err != nil {
		s.logger.Warn("engine metrics not exported via OpenTelemetry", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	g.Go(func() error { return s.analytics.Run(gctx, 0) })

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("batch_endpoint", s.cfg.Batch.BatchEndpoint),
	)

	runErr := g.Wait()

	s.logger.Info("Starting graceful shutdown...")
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.manager.Close(closeCtx); err != nil {
		s.logger.Error("batch manager close error", zap.Error(err))
	}
	if reg != nil {
		_ = reg.Unregister()
	}

	s.logger.Info("Graceful shutdown completed", zap.Any("stats", s.manager.Stats()))
	return runErr
}

// Handler 返回 API 处理链
func (s *Server) Handler() http.Handler {
	return s.handler
}
