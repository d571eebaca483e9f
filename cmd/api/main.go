package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Idosegev23/internalMettingLeaders/internal/app"
	"github.com/Idosegev23/internalMettingLeaders/internal/archive"
	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/config"
	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/directory"
	"github.com/Idosegev23/internalMettingLeaders/internal/metrics"
	"github.com/Idosegev23/internalMettingLeaders/internal/presence"
	"github.com/Idosegev23/internalMettingLeaders/internal/session"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		fatal(logger, "migrations failed", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	deps := app.Deps{
		Store:   dataStore,
		Sink:    delivery.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout),
		Metrics: collector,
		Logger:  logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for change bus, presence and sessions")
		client, err := session.Dial(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer client.Close()
		deps.Bus = changebus.NewRedis(client, logger)
		deps.Presence = presence.NewRedis(client, cfg.PresenceTTL, time.Now, logger)
		deps.Sessions = session.NewRedisStoreWithClient(client, cfg.SessionTTL)
	} else {
		logger.Info("using in-process change bus and presence, postgres for sessions")
		deps.Bus = changebus.NewMemory()
		deps.Presence = presence.NewMemory(cfg.PresenceTTL, time.Now)
	}

	var meili *directory.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	contacts := directory.NewService(meili, dataStore, logger)
	deps.Directory = contacts
	go contacts.ReindexFromPG(ctx)

	if cfg.Archive.Enabled() {
		archiver, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			fatal(logger, "archive bucket unavailable", err)
		}
		deps.Archiver = archiver
	}

	service := app.New(cfg, deps)
	go presence.Run(ctx, deps.Presence, cfg.PresenceSweepInterval, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, metrics.Handler(reg))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("draft sync api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
