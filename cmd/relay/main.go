package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chat-relay/internal/api"
	"github.com/rickgao/chat-relay/internal/auth"
	"github.com/rickgao/chat-relay/internal/batch"
	"github.com/rickgao/chat-relay/internal/bridge"
	"github.com/rickgao/chat-relay/internal/config"
	"github.com/rickgao/chat-relay/internal/connection"
	"github.com/rickgao/chat-relay/internal/database"
	"github.com/rickgao/chat-relay/internal/metrics"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/transport"
	"github.com/rickgao/chat-relay/internal/version"
	"github.com/rickgao/chat-relay/internal/writer"
)

// errSessionClosed ends the process when the session closes on its own.
var errSessionClosed = errors.New("session closed")

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(*configPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped")
}

func run(configPath string, logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logger.With("instance_id", cfg.Instance.ID)
	logger.Info("configuration loaded",
		"ws_url", cfg.Server.WSURL,
		"platform", cfg.Platform.Name,
		"database", cfg.Database.Enabled(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Sink
	var (
		pool *pgxpool.Pool
		sink batch.Sink[model.EntityUpdate]
	)
	if cfg.Database.Enabled() {
		db := cfg.Database.Postgres
		logger.Info("connecting to database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		pool, err = database.Connect(ctx, db, "chat-relay-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("database connected")
		sink = writer.NewEntityWriter(pool, logger)
	} else {
		logger.Info("no database configured, logging batches")
		sink = writer.NewLogSink(logger)
	}

	// Credential
	var source auth.SessionSource
	if cfg.Session.Token != "" {
		source = auth.StaticSource{Session: auth.NewSession(cfg.Session.Token, cfg.Session.Identity)}
	} else {
		source = auth.FileSource{Path: cfg.Session.TokenFile, Identity: cfg.Session.Identity}
	}

	// Readiness prober
	var prober auth.Prober
	if cfg.Server.RestURL != "" {
		prober = newProber(cfg.Server.RestURL, source, cfg.Server.Timeout, logger)
	}

	validator := auth.NewValidator(source, prober, auth.ValidatorConfig{
		ProbePlatforms: cfg.Platform.Probe,
		ProbeAttempts:  cfg.Platform.ProbeAttempts,
		ProbeInterval:  cfg.Platform.ProbeInterval,
	}, logger)

	// Connection manager
	manager := connection.NewManager(connection.Config{
		Endpoint:  cfg.Server.WSURL,
		Platform:  cfg.Platform.Name,
		Reconnect: cfg.Connection.ReconnectPolicy(),
		Transport: transport.Config{
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			PingInterval:     cfg.Connection.PingInterval,
			PingTimeout:      cfg.Connection.PingTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			RequestTimeout:   cfg.Connection.RequestTimeout,
		},
		QueueSize: cfg.Connection.QueueSize,
	}, validator, nil, nil, m, logger)

	svc := bridge.NewService(bridge.Config{
		Batch: batch.Config{
			Size:            cfg.Batch.Size,
			Timeout:         cfg.Batch.Timeout,
			MaxRedeliveries: cfg.Batch.Redeliveries(),
		},
		Retry:       cfg.Retry.Policy(),
		DedupWindow: cfg.Dedup.Window,
	}, manager, sink, m, logger)

	// Health and metrics server
	var db pinger
	if pool != nil {
		db = pool
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(manager, db, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		logger.Info("relay running",
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
		)

		var err error
		select {
		case <-gctx.Done():
			err = gctx.Err()
		case <-svc.Done():
			logger.Warn("session closed", "state", manager.State())
			err = errSessionClosed
		}

		logger.Info("shutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if stopErr := svc.Stop(stopCtx); stopErr != nil {
			logger.Warn("bridge stop", "error", stopErr)
		}

		stats := svc.Stats()
		logger.Info("bridge stats",
			"received", stats.Received,
			"duplicates", stats.Duplicates,
			"acked", stats.Acked,
			"ack_failures", stats.AckFailures,
			"cursor", stats.Cursor,
		)
		return err
	})

	return g.Wait()
}

// newProber builds the readiness client. The validator already spaces and
// bounds its probe attempts, so each probe is a single HTTP request.
func newProber(restURL string, source auth.SessionSource, timeout time.Duration, logger *slog.Logger) *api.Client {
	return api.NewClient(
		restURL,
		"",
		api.WithSessionSource(source),
		api.WithLogger(logger),
		api.WithTimeout(timeout),
		api.WithRetries(0, time.Second),
	)
}
