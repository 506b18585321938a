package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilstack/incident-sentinel/internal/classifier"
	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/dedup"
	"github.com/vigilstack/incident-sentinel/internal/metrics"
	"github.com/vigilstack/incident-sentinel/internal/notify"
	"github.com/vigilstack/incident-sentinel/internal/pipeline"
	"github.com/vigilstack/incident-sentinel/internal/transport"
	"github.com/vigilstack/incident-sentinel/internal/utils"
	"github.com/vigilstack/incident-sentinel/internal/watch"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting incident-sentinel",
		slog.String("cluster", cfg.Cluster.Name),
		slog.String("transport", cfg.Transport.Mode))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	// Cluster access is the one dependency worth refusing to start without;
	// every other integration degrades at runtime instead.
	kubeClient, err := watch.BuildClient(cfg.Cluster.Kubeconfig)
	if err != nil {
		logger.Error("failed to build kubernetes client", slog.Any("error", err))
		os.Exit(1)
	}

	bus, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize transport", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	rules, err := classifier.LoadRulePack(cfg.Classifier.RulesPath, logger)
	if err != nil {
		logger.Warn("rule pack unavailable, using generic remediations", slog.Any("error", err))
	}
	cls := classifier.NewClassifier(logger, classifier.NewAnthropicClient(cfg.Classifier), rules)

	channels := []notify.Channel{
		notify.NewSlackChannel(cfg.Notify.Slack),
		notify.NewPagerDutyChannel(cfg.Notify.PagerDuty),
	}
	dispatcher := notify.NewDispatcher(logger, channels, cfg.Notify.Retries, cfg.Notify.BackoffBase)

	var suppressor dedup.Suppressor = dedup.NewCache(cfg.Dedup.Window)
	if cfg.Dedup.Shared {
		store, err := dedup.NewRedisStore(cfg.Transport.Redis, cfg.Dedup.Window, logger)
		if err != nil {
			logger.Error("failed to initialize shared dedup store", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()
		suppressor = store
	}

	watcher := watch.NewWatcher(
		logger,
		watch.NewKubeSource(kubeClient, cfg.Cluster.Namespace),
		suppressor,
		bus,
		watch.Options{
			ClusterName:    cfg.Cluster.Name,
			FailureReasons: cfg.Watcher.FailureReasons,
			WorkerCount:    cfg.Watcher.WorkerCount,
			PublishRetries: cfg.Watcher.PublishRetries,
			BackoffBase:    cfg.Watcher.BackoffBase,
			BackoffCap:     cfg.Watcher.BackoffCap,
			ResyncInterval: cfg.Watcher.ResyncInterval,
		},
	)

	processor := pipeline.NewProcessor(logger, bus, cls, dispatcher, cfg.Pipeline.Workers, cfg.Pipeline.GraceTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher exited", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("processor exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("incident-sentinel stopped")
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	if cfg.Transport.Mode == "redis" {
		return transport.NewRedisStream(cfg.Transport.Redis, logger)
	}
	return transport.NewInline(cfg.Transport.BufferSize), nil
}
