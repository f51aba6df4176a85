package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/teleconsult/signaling-relay/internal/config"
	"github.com/teleconsult/signaling-relay/internal/httpserver"
	"github.com/teleconsult/signaling-relay/internal/lifecycle"
	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/origin"
	"github.com/teleconsult/signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting consult-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"auth_mode", cfg.AuthMode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"idle_room_grace", cfg.IdleRoomGrace,
		"consultation_api_set", cfg.ConsultationAPI.Enabled(),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("consult-signaling exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	completer, err := newCompleter(cfg)
	if err != nil {
		return err
	}
	hooks := lifecycle.New(lifecycle.Options{
		Completer:   completer,
		Logger:      logger,
		Metrics:     m,
		QueueSize:   cfg.ConsultationAPI.QueueSize,
		CallTimeout: cfg.ConsultationAPI.Timeout,
	})

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		return fmt.Errorf("configure signaling auth: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}

	sig := signaling.NewServer(signaling.Config{
		Logger:     logger,
		Metrics:    m,
		Authorizer: authz,
		Origins:    origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		Sink:       hooks,
		Ender:      hooks,

		SignalingAuthTimeout:    cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:  cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval: cfg.SignalingWSPingInterval,

		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxSignalingConnectsPerIP:     cfg.MaxSignalingConnectsPerIP,

		SendQueueFrames: cfg.SendQueueFrames,
		SendQueueBytes:  cfg.SendQueueBytes,
		IdleRoomGrace:   cfg.IdleRoomGrace,
	})
	sig.RegisterRoutes(srv.Mux())
	srv.AddReadinessCheck("signaling", sig.Ready)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, statsGauges(sig)...))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		closeHooks(logger, hooks, cfg)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// WebSocket connections are hijacked and outlive http.Server.Shutdown, so
	// the signaling server is closed first. Its room-closed events reach the
	// hooks before they are drained.
	srv.SetReady(false)
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := hooks.Close(shutdownCtx); err != nil {
		logger.Warn("consultation hooks did not drain before shutdown deadline", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server after shutdown: %w", err)
	}
	return nil
}

func newCompleter(cfg config.Config) (lifecycle.Completer, error) {
	if !cfg.ConsultationAPI.Enabled() {
		return nil, nil
	}
	c, err := lifecycle.NewHTTPCompleter(cfg.ConsultationAPI.BaseURL, cfg.ConsultationAPI.Token, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func closeHooks(logger *slog.Logger, hooks *lifecycle.Hooks, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hooks.Close(ctx); err != nil {
		logger.Warn("consultation hooks did not drain", "err", err)
	}
}

func statsGauges(sig *signaling.Server) []metrics.Gauge {
	return []metrics.Gauge{
		{
			Name:  "consult_signaling_connections",
			Help:  "Open signaling WebSocket connections.",
			Value: func() float64 { return float64(sig.Stats().Connections) },
		},
		{
			Name:  "consult_signaling_rooms",
			Help:  "Rooms with at least one member.",
			Value: func() float64 { return float64(sig.Stats().Rooms) },
		},
		{
			Name:  "consult_signaling_participants",
			Help:  "Participants joined to a room.",
			Value: func() float64 { return float64(sig.Stats().Participants) },
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; vcs stamps cover `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
