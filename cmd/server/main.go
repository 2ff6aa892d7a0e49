package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/bulkimport/internal/admin"
	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
	"github.com/JonMunkholm/bulkimport/internal/logging"
	"github.com/JonMunkholm/bulkimport/internal/telemetry"
	"github.com/JonMunkholm/bulkimport/internal/web"
)

func main() {
	if loaded, err := config.LoadEnvFiles(); err != nil {
		slog.Error("failed to read .env file", "error", err)
		os.Exit(1)
	} else if loaded {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"batch_size", cfg.Import.BatchSize,
		"auth_enabled", cfg.Security.RequireAPIKey,
	)

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		slog.Info("schema applied")
	}

	metrics := telemetry.New()
	audit := database.NewAuditLog(pool)
	store := database.NewStore(pool)

	svcCfg := cfg.Import.ServiceConfig()
	svcCfg.Options.Logger = logger
	svcCfg.Options.OnEvent = metrics.Observe
	service := core.NewService(store, audit, core.OSFilesystem{}, svcCfg)
	metrics.RegisterLimiter(service.LimiterStatus)

	server := web.NewServer(service, cfg, web.Deps{
		Metrics: metrics,
		Audit:   audit,
		Records: store,
		Ping:    pool.Ping,
	})

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if cfg.Audit.Retention > 0 {
		maint := &admin.Maintenance{DB: pool}
		go maint.RunAuditPruner(bgCtx, admin.PruneConfig{
			Retention: cfg.Audit.Retention,
			BatchSize: cfg.Audit.PruneBatch,
			Interval:  cfg.Audit.PruneInterval,
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		stopBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if st := service.LimiterStatus(); st.Active > 0 {
			slog.Info("waiting for imports to complete", "active", st.Active)
			if err := service.WaitForImports(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time, cancelled", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
}
