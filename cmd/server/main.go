// Package main is the entry point for the duck-audit gateway. It serves the
// PostgreSQL wire protocol in front of DuckDB, audits every session, and exposes
// an admin HTTP API for audit records, policy reloads and archiving.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"duck-audit/internal/api"
	"duck-audit/internal/archive"
	"duck-audit/internal/audit"
	"duck-audit/internal/config"
	"duck-audit/internal/db"
	"duck-audit/internal/engine"
	"duck-audit/internal/gateway"
	"duck-audit/internal/metrics"
	"duck-audit/internal/middleware"
	"duck-audit/internal/output"
	"duck-audit/internal/pgwire"
	"duck-audit/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	auditCfg, err := config.LoadAuditConfig(cfg.AuditConfig)
	if err != nil {
		return err
	}
	policies := audit.NewPolicyHolder(auditCfg.Policy)
	m := metrics.New()

	// Audit store
	pool, err := db.Open(cfg.AuditDBPath, 0)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer pool.Close() //nolint:errcheck
	version, err := db.Migrate(ctx, pool.Write)
	if err != nil {
		return fmt.Errorf("migrate audit store: %w", err)
	}
	logger.Info("audit store ready", "path", cfg.AuditDBPath, "schema_version", version)
	records := store.NewRecords(pool)

	sinks, err := output.New(auditCfg.Output, logger)
	if err != nil {
		return fmt.Errorf("audit output: %w", err)
	}
	defer sinks.Close() //nolint:errcheck
	sinks.Add(records.Sink())

	eng, err := engine.Open(ctx, cfg.DuckDBPath, cfg.Extensions, logger)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck

	gw := gateway.New(eng, policies, sinks, logger, gateway.WithObserver(m))
	pg := pgwire.NewServer(cfg.PGWireAddr, logger, gw.Connect,
		pgwire.WithConnectionRateLimit(cfg.ConnRateLimit, cfg.ConnRateBurst))

	// Archiving and retention
	var archiver *archive.Archiver
	if cfg.Archive.Enabled() {
		uploaders, err := archive.NewUploaders(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		opts := []archive.Option{archive.WithBatchSize(cfg.ArchiveBatchSize), archive.WithObserver(m)}
		if cfg.Archive.EncryptionKey != "" {
			sealer, err := archive.NewSealer(cfg.Archive.EncryptionKey)
			if err != nil {
				return err
			}
			opts = append(opts, archive.WithSealer(sealer))
		}
		archiver = archive.NewArchiver(records, uploaders, cfg.Archive.Prefix, logger, opts...)
		for _, u := range uploaders {
			logger.Info("archive destination configured", "location", u.Location())
		}
	}
	scheduler := archive.NewScheduler(archiver, records, archive.Schedule{
		Archive:       cfg.ArchiveSchedule,
		Retention:     cfg.RetentionSched,
		RetentionDays: cfg.RetentionDays,
	}, logger)

	watcher := config.NewPolicyWatcher(cfg.AuditConfig, policies, auditCfg.Output, logger)
	watcher.OnReload(m.PolicyReloaded)

	var adminSrv *http.Server
	if cfg.AdminEnabled() {
		adminSrv = newAdminServer(ctx, cfg, records, policies, watcher, archiver, gw, m, logger)
	}

	if err := pg.Start(); err != nil {
		return err
	}
	gw.Started(ctx)
	logger.Info("audit gateway ready", "pgwire", pg.Addr(), "connect", "psql -h "+clientHostForListenAddr(pg.Addr()))

	if err := scheduler.Start(); err != nil {
		shutdownPG(pg, logger)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.WatchConfig {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if adminSrv != nil {
		g.Go(func() error {
			logger.Info("admin API listening", "addr", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		scheduler.Stop()
		if adminSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		shutdownPG(pg, logger)
		return nil
	})

	err = g.Wait()
	gw.Stopped(context.Background())
	return err
}

func newAdminServer(ctx context.Context, cfg *config.Config, records *store.Records, policies *audit.PolicyHolder,
	watcher *config.PolicyWatcher, archiver *archive.Archiver, gw *gateway.Gateway, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	var runner api.ArchiveRunner
	if archiver != nil {
		runner = archiver
	}
	var validator middleware.JWTValidator
	if cfg.AdminJWTSecret != "" {
		v, err := middleware.NewHS256Validator(cfg.AdminJWTSecret)
		if err == nil {
			validator = v
		}
	}

	handler := api.NewHandler(records, policies, watcher, runner, gw.ActiveSessions, logger)
	router := api.NewRouter(ctx, api.RouterConfig{
		Handler:        handler,
		Metrics:        m.Handler(),
		Validator:      validator,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.AdminRateLimitRPS,
			Burst:             cfg.AdminRateBurst,
		},
		Logger: logger,
	})
	return &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

func shutdownPG(pg *pgwire.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pg.Shutdown(ctx); err != nil {
		logger.Warn("pgwire shutdown", "error", err)
	}
}

// clientHostForListenAddr returns the host a local client should connect to,
// as "-h host -p port" arguments for psql.
func clientHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost -p 5433"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return host + " -p " + port
}
