package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/relayhub/internal/config"
	"github.com/pscheid92/relayhub/internal/hub"
	"github.com/pscheid92/relayhub/internal/logging"
	"github.com/pscheid92/relayhub/internal/platform/version"
	"github.com/pscheid92/relayhub/internal/server"
)

func runGracefulShutdown(cfg *config.Config, srv *server.Server, h *hub.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Stop accepting new connections first, then close the hub so
		// in-flight broadcasts drain before agents are torn down.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	limits := server.NewConnectionLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.UpgradesPerSecond, cfg.UpgradeBurst)

	h := hub.NewHub(clock, hub.Options{
		MaxAgents:      cfg.MaxConnections,
		SendBuffer:     cfg.SendBufferSize,
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		OnUnregister:   func(a *hub.Agent) { limits.Release(a.RemoteIP()) },
	})

	srv := server.NewServer(cfg, h, limits)

	done := runGracefulShutdown(cfg, srv, h)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
