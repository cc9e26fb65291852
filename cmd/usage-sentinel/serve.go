package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"

	"github.com/0xmhha/usage-sentinel/pkg/alert"
	"github.com/0xmhha/usage-sentinel/pkg/config"
	"github.com/0xmhha/usage-sentinel/pkg/hub"
	"github.com/0xmhha/usage-sentinel/pkg/ingest"
	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/logsource"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
	"github.com/0xmhha/usage-sentinel/pkg/monitor"
	"github.com/0xmhha/usage-sentinel/pkg/rate"
	"github.com/0xmhha/usage-sentinel/pkg/store"
	"github.com/0xmhha/usage-sentinel/pkg/window"
)

// serveOptions are the flag overrides applied on top of the loaded
// configuration.
type serveOptions struct {
	configPath  string
	listenAddr  string
	logLevel    string
	tokenBudget int64
}

// runServe wires the pipeline together and blocks until a signal.
func runServe(opts serveOptions) error {
	cfg, err := config.NewLoader(opts.configPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.listenAddr != "" {
		cfg.Hub.ListenAddr = opts.listenAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.tokenBudget > 0 {
		cfg.Ingest.TokenBudget = opts.tokenBudget
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
	})

	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Persistence: flushed batches plus reader offsets.
	st, err := store.New(store.Config{DBPath: cfg.Storage.DBPath}, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	offsetsDB, err := openOffsetsDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open offsets database: %w", err)
	}
	defer offsetsDB.Close()

	offsets, err := logsource.NewBoltOffsetStore(offsetsDB)
	if err != nil {
		return fmt.Errorf("failed to initialize offset store: %w", err)
	}

	reader, err := logsource.NewReader(logsource.ReaderConfig{
		Offsets: offsets,
		Parser:  logsource.NewParser(log),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Close()

	notifier, err := logsource.NewNotifier(logsource.NotifierConfig{}, log)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	broadcast := hub.New(hub.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout,
		SendBuffer:        cfg.Hub.SendBuffer,
		MaxSendFailures:   cfg.Hub.MaxSendFailures,
	}, m, log)

	tracker := window.New(window.Config{
		Duration:         cfg.Window.Duration,
		IdleTimeout:      cfg.Window.IdleTimeout,
		ActiveTimeout:    cfg.Window.ActiveTimeout,
		LivenessInterval: cfg.Window.LivenessInterval,
		RecentLimit:      cfg.Window.RecentLimit,
		OnTransition:     monitor.WindowTransitionForwarder(broadcast),
	}, log)

	buffer, err := ingest.New(ingest.Config{
		Sink:                st,
		BatchSize:           cfg.Ingest.BatchSize,
		FlushInterval:       cfg.Ingest.FlushInterval,
		ProjectionDecay:     cfg.Ingest.ProjectionDecay,
		ProjectionSamples:   cfg.Ingest.ProjectionSamples,
		TokenBudget:         cfg.Ingest.TokenBudget,
		BudgetWarningRatio:  cfg.Ingest.BudgetWarningRatio,
		BudgetCriticalRatio: cfg.Ingest.BudgetCriticalRatio,
		TimeToLimitWarning:  cfg.Ingest.TimeToLimitWarning,
	}, m, log)
	if err != nil {
		return fmt.Errorf("failed to create ingestion buffer: %w", err)
	}

	analyzer := rate.New(rate.Config{
		SampleWindow:       cfg.Rate.SampleWindow,
		TrendThreshold:     cfg.Rate.TrendThreshold,
		DirectionThreshold: cfg.Rate.DirectionThreshold,
	}, log)

	engine := alert.New(alert.Config{
		SpikeThreshold:      cfg.Alerts.SpikeThreshold,
		SpikeCooldown:       cfg.Alerts.SpikeCooldown,
		HighRateThreshold:   cfg.Alerts.HighRateThreshold,
		SustainedDuration:   cfg.Alerts.SustainedDuration,
		CriticalUsageRatio:  cfg.Alerts.CriticalUsageRatio,
		ApproachingCooldown: cfg.Alerts.ApproachingCooldown,
		AnomalyMinSamples:   cfg.Alerts.AnomalyMinSamples,
		AnomalyCooldown:     cfg.Alerts.AnomalyCooldown,
		HistoryLimit:        cfg.Alerts.HistoryLimit,
	}, m, log)

	mon, err := monitor.New(monitor.Config{
		LogDirs:      cfg.LogDirs,
		EvalInterval: cfg.Alerts.EvalInterval,
		TokenBudget:  cfg.Ingest.TokenBudget,
	}, monitor.Deps{
		Notifier: notifier,
		Reader:   reader,
		Tracker:  tracker,
		Buffer:   buffer,
		Analyzer: analyzer,
		Engine:   engine,
		Hub:      broadcast,
		Metrics:  m,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := buffer.Start(ctx); err != nil {
		return err
	}
	defer buffer.Stop()
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer tracker.Stop()
	if err := broadcast.Start(ctx); err != nil {
		return err
	}
	defer broadcast.Stop()
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler(broadcast, log))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Hub.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrs := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Hub.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
		}
	}()

	go runConsoleFeed(mon, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serverErrs:
		log.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	return nil
}

// openOffsetsDB opens the reader-offset database next to the main
// store file.
func openOffsetsDB(dbPath string) (*bolt.DB, error) {
	dir := filepath.Dir(expandHome(dbPath))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return bolt.Open(filepath.Join(dir, "offsets.db"), 0600, &bolt.Options{
		Timeout: time.Second,
	})
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
