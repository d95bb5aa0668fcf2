package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/config"
	"github.com/kailas-cloud/leasegate/internal/domain"
	logpkg "github.com/kailas-cloud/leasegate/internal/logger"
	"github.com/kailas-cloud/leasegate/internal/metrics"
	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
	"github.com/kailas-cloud/leasegate/internal/tracing"
	"github.com/kailas-cloud/leasegate/internal/transport/authority"
	chiTransport "github.com/kailas-cloud/leasegate/internal/transport/chi"
	"github.com/kailas-cloud/leasegate/internal/transport/openai"
	"github.com/kailas-cloud/leasegate/internal/transport/webhook"
	"github.com/kailas-cloud/leasegate/internal/usecase/gateway"
	healthuc "github.com/kailas-cloud/leasegate/internal/usecase/health"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
	"github.com/kailas-cloud/leasegate/internal/usecase/safety"
	"github.com/kailas-cloud/leasegate/internal/usecase/translate"
	"github.com/kailas-cloud/leasegate/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env, config.RoleRuntime)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	rc := cfg.Runtime
	logger.Info("Starting leasegate runtime",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("authority_url", rc.AuthorityURL),
		zap.Int("providers", len(rc.Providers)),
	)

	ctx := context.Background()

	tp, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, tracing.Endpoint(cfg.Tracing.Endpoint))
	if err != nil {
		logger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	metrics.RegisterRuntimeMetrics()

	authClient := authority.New(authority.Config{
		BaseURL: rc.AuthorityURL,
		Timeout: time.Duration(rc.AuthorityTimeoutSec) * time.Second,
	})

	leases := lease.NewRegistry(authClient, lease.Config{
		LeaseSalt:       []byte(rc.LeaseSalt),
		RequestedBudget: domain.MicrosFromUSD(rc.RequestedBudgetUSD),
		RefreshBudget:   domain.MicrosFromUSD(rc.RefreshBudgetUSD),
		LowWater:        domain.MicrosFromUSD(rc.LowWaterUSD),
		RuntimeVersion:  version.Version,
	}, logger)

	// A broken translation invariant stops the process.
	fatal := make(chan error, 1)
	translator := translate.New(func(cred string) (translate.Lease, bool) {
		m, ok := leases.Lookup(cred)
		if !ok {
			return nil, false
		}
		return m, true
	}, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}, logger)

	safetySvc, err := safety.New(ctx, safety.Config{
		PolicyPath:     rc.Safety.PolicyPath,
		DeniedTerms:    rc.Safety.DeniedTerms,
		AllowedTools:   rc.Safety.AllowedTools,
		SecretPatterns: rc.Safety.SecretPatterns,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to load safety policy", zap.Error(err))
	}

	providerClient := &http.Client{Transport: tracing.Transport(nil)}
	providers := make([]domain.Provider, 0, len(rc.Providers))
	for _, p := range rc.Providers {
		providers = append(providers, openai.NewChatProvider(openai.Config{
			Name:       p.Name,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			HTTPClient: providerClient,
		}))
	}

	buf, err := buffer.Open(rc.Queue.BufferPath)
	if err != nil {
		logger.Fatal("Failed to open durable buffer", zap.Error(err), zap.String("path", rc.Queue.BufferPath))
	}

	queue := reconcile.New(reconcile.NewAuthoritySink(authClient), buf, reconcile.Config{
		Capacity:       rc.Queue.Capacity,
		Workers:        rc.Queue.Workers,
		MaxAttempts:    rc.Queue.MaxAttempts,
		InitialBackoff: time.Duration(rc.Queue.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(rc.Queue.MaxBackoffMS) * time.Millisecond,
		ReplayInterval: time.Duration(rc.Queue.ReplayIntervalSec) * time.Second,
	}, logger)
	queue.Start()

	gw := gateway.New(
		safetySvc,
		leases,
		translator,
		providers,
		webhook.New(rc.Tools, time.Duration(rc.ToolTimeoutSec)*time.Second),
		gateway.NewPricing(rc.Pricing, rc.DefaultPricePerMUSD, rc.Estimate.MaxTokens),
		queue,
		gateway.Config{AttemptTimeout: time.Duration(rc.AttemptTimeoutSec) * time.Second},
		logger,
	)

	// Configured credentials handshake up front; failures retry on first use.
	for _, cred := range rc.Credentials {
		if cred == "" {
			continue
		}
		if _, err := leases.Acquire(ctx, cred); err != nil {
			logger.Warn("Initial handshake failed", zap.Error(err))
		}
	}

	server := chiTransport.NewRuntimeServer(gw, leases, healthuc.New(buf, authClient))
	r := chiTransport.NewRouter(logger, tp.Middleware("runtime"))
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	exitCode := 0
	select {
	case <-quit:
		logger.Info("Received shutdown signal")
	case err := <-fatal:
		logger.Error("Translation invariant broken, shutting down", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error("Error draining reconciliation queue", zap.Error(err))
	}
	leases.Close()
	if err := buf.Close(); err != nil {
		logger.Error("Error closing durable buffer", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	logger.Info("Runtime stopped", zap.Int("exit_code", exitCode))
	if exitCode != 0 {
		_ = logger.Sync()
		cancel()
		os.Exit(exitCode)
	}
}
