package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expertcall-platform/internal/audit"
	"expertcall-platform/internal/auth"
	"expertcall-platform/internal/config"
	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/presence"
	"expertcall-platform/internal/pricing"
	"expertcall-platform/internal/reporting"
	"expertcall-platform/internal/signaling"
	"expertcall-platform/internal/sweeper"
	"expertcall-platform/internal/wallet"
	"expertcall-platform/pkg/logger"
	"expertcall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Signaling hub + presence registry. The hub fans events out to
	// websocket clients; the registry keeps the authoritative expert
	// availability in redis and broadcasts changes through the hub.
	hub := signaling.NewHub(log, nil)
	registry := presence.NewRegistry(rdb, log, hub, 5*time.Minute)
	hub.SetPresence(registry)
	go hub.Run(rootCtx)

	wallets := wallet.NewService(db)
	rates := pricing.NewService(&pricing.PostgresRepo{DB: db})
	auditor := audit.NewService(&audit.PostgresRepo{DB: db})

	calls := ledger.NewService(
		ledger.NewPostgresRepository(db),
		wallets, rates, registry, hub, auditor, rdb, log,
		ledger.Config{MinBalanceMultiple: cfg.Call.MinBalanceMultiple},
	)

	sw := sweeper.New(calls, log, cfg.Call.AbandonedAfter)
	if err := sw.Start("@every " + cfg.Call.SweepInterval.String()); err != nil {
		log.Error("sweeper start failed", "err", err)
		os.Exit(1)
	}
	defer sw.Stop()

	reports := reporting.NewService(&reporting.PostgresRepo{DB: db})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		Auth:     authManager,
		Hub:      hub,
		Calls:    calls,
		Wallet:   wallets,
		Reports:  reports,
		Registry: registry,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	hub.Stop()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
