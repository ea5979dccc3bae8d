package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sroej/mini/internal/blobstore"
	"github.com/sroej/mini/internal/config"
	"github.com/sroej/mini/internal/escrow"
	"github.com/sroej/mini/internal/logging"
	"github.com/sroej/mini/internal/registry"
	"github.com/sroej/mini/internal/server"
	"github.com/sroej/mini/internal/settings"
	"github.com/sroej/mini/internal/supervisor"
	"github.com/sroej/mini/internal/transport"
)

const bootRestoreTimeout = 2 * time.Minute

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDataDirs(cfg *config.Config) {
	for _, dir := range []string{cfg.DataDir, cfg.SessionBasePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}
}

func dataDirCheck(dir string) server.HealthCheck {
	return server.HealthCheck{
		Name: "data_dir",
		Check: func(ctx context.Context) error {
			probe := filepath.Join(dir, ".probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				return err
			}
			return os.Remove(probe)
		},
	}
}

func runGracefulShutdown(srv *server.Server, sup *supervisor.Supervisor) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sup.Stop()

		close(done)
	}()

	return done
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unrecoverable panic, exiting", "panic", r, "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	setupDataDirs(cfg)

	blobs := blobstore.NewClient(cfg.BlobStoreURL, cfg.BlobStoreUser, cfg.BlobStorePass)
	escrowSvc := escrow.New(blobs, clock)
	sessionRegistry := registry.New(cfg.DataDir, clock)
	settingsStore := settings.NewStore(cfg.DataDir)
	dialer := transport.NewDialer(cfg.GatewayURL)

	sup := supervisor.New(supervisor.Options{
		SessionBasePath: cfg.SessionBasePath,
		AdminNumber:     cfg.AdminNumber,
		OwnerNumbers:    cfg.Owners(),
		ConnectTimeout:  cfg.ConnectTimeout,
	}, dialer, escrowSvc, sessionRegistry, settingsStore, clock)

	// Bring back every previously paired tenant before serving traffic.
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), bootRestoreTimeout)
	sup.RestoreAll(restoreCtx)
	cancelRestore()

	srv := server.NewServer(cfg, sup, settingsStore, []server.HealthCheck{
		dataDirCheck(cfg.DataDir),
	})

	done := runGracefulShutdown(srv, sup)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
