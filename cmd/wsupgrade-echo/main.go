// Command wsupgrade-echo runs an echo server on top of the handshake
// establisher. Configuration comes from WSUPGRADE_ environment variables,
// optionally loaded from a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/ws"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.logger()
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	if err := serve(context.Background(), cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("wsupgrade-echo terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("wsupgrade-echo stopped")
}

// serve runs the server until parent is cancelled or a shutdown signal
// arrives. Startup failures are returned after everything already started
// has stopped.
func serve(parent context.Context, cfg config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if err := run(ctx, g, cfg, logger); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("failed to start: %w", err)
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	return g.Wait()
}

func run(ctx context.Context, g *errgroup.Group, cfg config, logger *slog.Logger) error {
	validator, err := cfg.validator()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := ws.NewServer(&ws.ServerConfig[[]string]{
		Addr:             cfg.Addr,
		Validator:        validator,
		Protocols:        cfg.Protocols,
		MaxHandshakeSize: cfg.MaxHandshakeSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		RateLimitConfig:  cfg.rateLimit(),
		PingInterval:     cfg.PingInterval,
		OnConnect: func(conn wsupgrade.Connection, groups []string) {
			logger.Info("client connected",
				slog.String("connection", conn.ID()),
				slog.String("remote", conn.RemoteAddr()),
				slog.String("subprotocol", conn.Subprotocol()),
				slog.Any("groups", groups))
		},
		OnMessage: func(conn wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte) {
			if err := conn.Send(conn.Context(), typ, payload); err != nil {
				logger.Debug("echo failed", slog.String("connection", conn.ID()), slog.String("error", err.Error()))
			}
		},
		OnClientDisconnect: func(conn wsupgrade.Connection, voluntary bool) {
			logger.Info("client disconnected",
				slog.String("connection", conn.ID()),
				slog.Bool("voluntary", voluntary))
		},
		Metrics: ws.NewMetrics("wsupgrade", reg),
		Logger:  logger,
	})

	// Stopped by the errgroup so that Wait covers the shutdown.
	if err := server.Start(context.Background()); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Stop(stopCtx)
	})

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, g, cfg.MetricsAddr, reg, logger)
	}
	return nil
}

// startMetricsServer serves the Prometheus registry until ctx is done.
func startMetricsServer(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting metrics server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
