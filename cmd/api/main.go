// Package main is the entry point for the signing API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brokerdesk/esign/internal/api"
	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/backend"
	"github.com/brokerdesk/esign/internal/completion"
	"github.com/brokerdesk/esign/internal/config"
	"github.com/brokerdesk/esign/internal/db"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/health"
	"github.com/brokerdesk/esign/internal/idempotency"
	"github.com/brokerdesk/esign/internal/jobs"
	"github.com/brokerdesk/esign/internal/middleware"
	"github.com/brokerdesk/esign/internal/notify"
	"github.com/brokerdesk/esign/internal/policy"
	"github.com/brokerdesk/esign/internal/signing"
	"github.com/brokerdesk/esign/internal/stamp"
	"github.com/brokerdesk/esign/internal/storage"
	"github.com/brokerdesk/esign/internal/tracing"
)

const serviceName = "esign-api"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if *help {
		fmt.Println("BrokerDesk Signing API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.OTLPEndpoint != "",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	store, err := storage.NewS3Store(storage.S3Config{
		BucketName:      cfg.R2BucketName,
		AccessKeyID:     cfg.R2AccessKeyID,
		SecretAccessKey: cfg.R2SecretAccessKey,
		Endpoint:        cfg.R2Endpoint,
	})
	if err != nil {
		logger.Error("failed to create object store", "error", err)
		os.Exit(1)
	}

	// Repositories
	docRepo := document.NewPostgresRepository(conn, logger)
	auditRepo := audit.NewPostgresRepository(conn, logger)
	eventRepo := idempotency.NewPostgresRepository(conn)
	policyStore := policy.NewPostgresStore(conn)

	// Metrics
	reg := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	completionMetrics := completion.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for name, register := range map[string]func(prometheus.Registerer) error{
		"http":       httpMetrics.Register,
		"completion": completionMetrics.Register,
		"jobs":       jobMetrics.Register,
	} {
		if err := register(reg); err != nil {
			logger.Error("failed to register metrics", "collector", name, "error", err)
			os.Exit(1)
		}
	}

	// Rate limiting: Redis when configured, in-memory otherwise.
	var rateStore middleware.RateLimitStore
	var redisClient *redis.Client
	stopChan := make(chan struct{})
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		rateStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(httpMetrics)
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		rateStore = memStore
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					start := time.Now()
					memStore.Cleanup()
					jobMetrics.IncJobsTotal(jobs.JobTypeRateLimitCleanup, jobs.StatusSuccess)
					jobMetrics.ObserveJobDuration(jobs.JobTypeRateLimitCleanup, time.Since(start).Seconds())
				case <-stopChan:
					return
				}
			}
		}()
	}

	// Completion pipeline
	engine := stamp.NewEngine(logger)
	orchestrator := completion.NewOrchestrator(docRepo, auditRepo, store, engine, policyStore, logger, completionMetrics)
	signingService := signing.NewService(docRepo, auditRepo, store, orchestrator, logger)

	// Invitation delivery
	var notifier notify.Notifier
	if cfg.SMTPEnabled() {
		smtp, err := notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			logger.Error("failed to create SMTP notifier", "error", err)
			os.Exit(1)
		}
		notifier = smtp
	} else {
		logger.Info("SMTP not configured, invitations will be logged")
		notifier = notify.NewLogNotifier(logger)
	}

	// Signing backends
	native := backend.NewNativeBackend(docRepo, store, notifier, cfg.SigningBaseURL, logger)
	var provider backend.SigningBackend
	if cfg.ProviderEnabled() {
		provider = backend.NewProviderBackend(backend.ProviderConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
		}, docRepo, nil, logger)
	}

	healthCfg := api.HealthHandlersConfig{
		DBChecker:      health.NewDBChecker(conn),
		MetricsEnabled: true,
	}
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	}

	defaultExpiry := time.Duration(cfg.DefaultExpiryDays) * 24 * time.Hour

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouterConfig{
		Signing:   api.NewSigningHandlers(signingService, logger),
		Documents: api.NewDocumentHandlers(docRepo, auditRepo, native, provider, defaultExpiry, logger),
		Webhooks:  api.NewWebhookHandlers(cfg.WebhookSecret, docRepo, auditRepo, eventRepo, logger),
		Health:    api.NewHealthHandlers(healthCfg),
		SubmitLimiter: middleware.RateLimiter(rateStore, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.SubmitRateLimit,
			WindowDuration:    time.Minute,
		}, middleware.TokenKeyFunc(), httpMetrics),
		DownloadLimiter: middleware.RateLimiter(rateStore, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.DownloadRateLimit,
			WindowDuration:    time.Minute,
		}, middleware.IPKeyFunc(), httpMetrics),
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Background jobs
	sweeper := jobs.NewExpirySweeper(docRepo, auditRepo, logger, jobMetrics)
	go sweeper.Run(jobs.DefaultSweepInterval, stopChan)
	go idempotency.RunPeriodicCleanup(eventRepo, time.Hour, idempotency.DefaultExpiry, stopChan)

	// Apply middleware: RequestID -> Tracing -> Logging -> Metrics -> global limiter
	globalLimiter := middleware.RateLimiter(rateStore, middleware.RateLimitConfig{
		RequestsPerWindow: cfg.GlobalRateLimit,
		WindowDuration:    time.Minute,
	}, middleware.IPKeyFunc(), httpMetrics)
	var handler http.Handler = globalLimiter(mux)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if cfg.OTLPEndpoint != "" {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: []string{cfg.SigningBaseURL},
		MaxAge:         600,
	})(handler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	close(stopChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}

	logger.Info("server stopped")
}
