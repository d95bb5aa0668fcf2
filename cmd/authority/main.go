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
	"github.com/kailas-cloud/leasegate/internal/credential"
	"github.com/kailas-cloud/leasegate/internal/crypto"
	dbRedis "github.com/kailas-cloud/leasegate/internal/db/redis"
	"github.com/kailas-cloud/leasegate/internal/domain"
	logpkg "github.com/kailas-cloud/leasegate/internal/logger"
	"github.com/kailas-cloud/leasegate/internal/metrics"
	auditrepo "github.com/kailas-cloud/leasegate/internal/repository/audit"
	ledgerrepo "github.com/kailas-cloud/leasegate/internal/repository/ledger"
	"github.com/kailas-cloud/leasegate/internal/repository/providerkey"
	"github.com/kailas-cloud/leasegate/internal/tracing"
	chiTransport "github.com/kailas-cloud/leasegate/internal/transport/chi"
	healthuc "github.com/kailas-cloud/leasegate/internal/usecase/health"
	ledgeruc "github.com/kailas-cloud/leasegate/internal/usecase/ledger"
	"github.com/kailas-cloud/leasegate/internal/usecase/vault"
	"github.com/kailas-cloud/leasegate/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env, config.RoleAuthority)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting leasegate authority",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	ctx := context.Background()

	tp, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, tracing.Endpoint(cfg.Tracing.Endpoint))
	if err != nil {
		logger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Valkey speaks the Redis protocol; both drivers share the rueidis store.
	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	metrics.RegisterLedgerMetrics()

	retention := time.Duration(cfg.Authority.UsageDedupTTLHours) * time.Hour
	ledgerRepo := ledgerrepo.New(store, retention)
	auditRepo := auditrepo.New(store, retention)
	keyRepo := providerkey.New(store)

	signer, err := credential.NewSigner(cfg.Authority.SigningSecret, cfg.Authority.Issuer)
	if err != nil {
		logger.Fatal("Failed to create credential signer", zap.Error(err))
	}
	master, err := crypto.NewMasterKey(cfg.Authority.MasterKey)
	if err != nil {
		logger.Fatal("Failed to load master key", zap.Error(err))
	}

	ledgerSvc := ledgeruc.New(ledgerRepo, logger)
	vaultSvc, err := vault.New(signer, ledgerSvc, ledgerRepo, keyRepo, master, vault.Config{
		LeaseSalt:    []byte(cfg.Authority.LeaseSalt),
		Provider:     cfg.Authority.Provider,
		DefaultGrant: domain.MicrosFromUSD(cfg.Authority.DefaultGrantUSD),
		MaxGrant:     domain.MicrosFromUSD(cfg.Authority.MaxGrantUSD),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create vault", zap.Error(err))
	}

	if err := vaultSvc.SeedProviderKeys(ctx, cfg.Authority.ProviderKeys); err != nil {
		logger.Fatal("Failed to seed provider keys", zap.Error(err))
	}

	healthSvc := healthuc.New(store, nil)
	server := chiTransport.NewAuthorityServer(vaultSvc, ledgerSvc, auditRepo, healthSvc)

	r := chiTransport.NewRouter(logger, tp.Middleware("authority"))
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

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	logger.Info("Authority stopped gracefully")
}
