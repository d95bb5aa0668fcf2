package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/config"
	dbRedis "github.com/kailas-cloud/leasegate/internal/db/redis"
	logpkg "github.com/kailas-cloud/leasegate/internal/logger"
	ledgerrepo "github.com/kailas-cloud/leasegate/internal/repository/ledger"
	ledgeruc "github.com/kailas-cloud/leasegate/internal/usecase/ledger"
)

// deps are the authority components an admin command needs.
type deps struct {
	cfg    config.Config
	logger *zap.Logger
	store  *dbRedis.Store
	repo   *ledgerrepo.Repo
	ledger *ledgeruc.Service
}

func (d *deps) Close() {
	d.store.Close()
	_ = d.logger.Sync()
}

// openDeps loads configuration for role and connects to the ledger store.
func openDeps(ctx context.Context, env string, role config.Role) (*deps, error) {
	cfg, err := config.Load(env, role)
	if err != nil {
		return nil, err
	}

	// Admin output goes to stdout; keep the log quiet unless asked.
	level := cfg.Logging.Level
	if level == "" || level == "debug" || level == "info" {
		level = "warn"
	}
	logger, err := logpkg.NewLogger(env, level)
	if err != nil {
		return nil, err
	}

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, fmt.Errorf("store not ready: %w", err)
	}

	repo := ledgerrepo.New(store, time.Duration(cfg.Authority.UsageDedupTTLHours)*time.Hour)
	return &deps{
		cfg:    cfg,
		logger: logger,
		store:  store,
		repo:   repo,
		ledger: ledgeruc.New(repo, logger),
	}, nil
}
