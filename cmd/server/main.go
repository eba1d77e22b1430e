// Package main provides the entry point for the CloudSentinel server.
// It assembles the cloud activity threat detection pipeline and serves it
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentinel/internal/api"
	"github.com/lvonguyen/cloudsentinel/internal/api/gateway"
	"github.com/lvonguyen/cloudsentinel/internal/config"
	"github.com/lvonguyen/cloudsentinel/internal/event"
	"github.com/lvonguyen/cloudsentinel/internal/feature"
	"github.com/lvonguyen/cloudsentinel/internal/feedback"
	"github.com/lvonguyen/cloudsentinel/internal/intel"
	"github.com/lvonguyen/cloudsentinel/internal/observability"
	"github.com/lvonguyen/cloudsentinel/internal/pipeline"
	"github.com/lvonguyen/cloudsentinel/internal/registry"
	"github.com/lvonguyen/cloudsentinel/internal/score"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("CloudSentinel %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	cfg.Telemetry.ServiceVersion = Version

	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("starting cloudsentinel",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartSystemMetricsCollector(ctx)

	// Actor history: Redis when configured, in-memory otherwise.
	var history feature.HistoryStore
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		history = feature.NewRedisHistory(redisClient, cfg.History.MaxPerActor, cfg.History.TTL)
		logger.Info("using redis actor history", zap.String("addr", cfg.Redis.Addr))
	} else {
		history = feature.NewMemoryHistory(cfg.History.MaxPerActor)
		logger.Info("using in-memory actor history")
	}

	extractor := feature.NewExtractor(history, cfg.History.Window)

	reg, err := registry.New(feature.SchemaVersion, cfg.Model.StoragePath, logger)
	if err != nil {
		logger.Fatal("model registry init failed", zap.Error(err))
	}

	scorer := score.New(cfg.Scoring)

	// Threat intelligence: a disabled provider degrades every lookup rather
	// than blocking startup.
	var provider intel.Provider
	if cfg.ThreatIntel.VirusTotal.Enabled {
		provider, err = intel.NewVirusTotalProvider(cfg.ThreatIntel.VirusTotal.Client)
		if err != nil {
			logger.Warn("virustotal provider disabled", zap.Error(err))
			provider = nil
		}
	}
	if provider == nil && cfg.ThreatIntel.OTX.Enabled {
		provider, err = intel.NewOTXProvider(cfg.ThreatIntel.OTX.Client)
		if err != nil {
			logger.Warn("otx provider disabled", zap.Error(err))
			provider = nil
		}
	}
	intelClient := intel.NewClient(provider, cfg.ThreatIntel.LookupTimeout, logger)

	aggregator := feedback.NewAggregator(cfg.Retrain.FeedbackThreshold, logger)
	feedbackCh := make(chan event.FeedbackRecord, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-feedbackCh:
				if m := telemetry.Metrics(); m != nil {
					m.FeedbackReceived.WithLabelValues(string(rec.Verdict)).Inc()
				}
				aggregator.Submit(rec)
			}
		}
	}()

	alertSink := pipeline.NewMemorySink(0)
	deadLetter := pipeline.NewMemoryDeadLetter(0)

	pipe := pipeline.New(
		extractor, history, reg, scorer, intelClient,
		alertSink, deadLetter, aggregator,
		cfg.Pipeline, telemetry.Metrics(), logger,
	)

	var trainingSource feedback.TrainingSource
	if src, ok := history.(feedback.TrainingSource); ok {
		trainingSource = src
	}
	var retrainer *feedback.Retrainer
	if trainingSource != nil {
		retrainer = feedback.NewRetrainer(reg, aggregator, trainingSource, extractor.Window(), cfg.Retrain, logger)
		if m := telemetry.Metrics(); m != nil {
			retrainer.OnPromotion = func(string, registry.Metrics) {
				m.ModelPromotions.Inc()
			}
			retrainer.OnValidationFailure = func(string, registry.Metrics) {
				m.ModelRetirements.WithLabelValues("validation_failed").Inc()
			}
		}
		go retrainer.Run(ctx)
	} else {
		logger.Warn("history store cannot serve training corpora; automatic retraining disabled")
	}

	server := api.New(pipe, alertSink, deadLetter, reg, aggregator, retrainer, feedbackCh, logger, Version)
	if redisClient != nil {
		server.AddReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// Periodic dependency health probing feeds the health gauges.
	if redisClient != nil && telemetry.Metrics() != nil {
		go func() {
			m := telemetry.Metrics()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					status := 1.0
					if err := redisClient.Ping(ctx).Err(); err != nil {
						status = 0
					}
					m.HealthStatus.WithLabelValues("redis").Set(status)
					m.LastHealthCheck.SetToCurrentTime()
				}
			}
		}()
	}

	extraMiddleware := []func(http.Handler) http.Handler{telemetry.HTTPMetricsMiddleware()}
	if redisClient != nil {
		limiter := gateway.NewRateLimiter(redisClient, gateway.RateLimitConfig{
			Endpoints:      gateway.DefaultEndpointLimits(),
			IncludeHeaders: true,
		}, logger)
		extraMiddleware = append(extraMiddleware, limiter.Middleware(
			func(*http.Request) string { return "basic" },
			func(*http.Request) string { return "" },
		))
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(extraMiddleware...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Telemetry.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	telemetry.Shutdown(shutdownCtx)

	logger.Info("server stopped")
}
