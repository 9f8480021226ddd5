// Command bibliocache runs the book-metadata cache service: the tiered cache,
// warming pipeline, archival scheduler, and HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bibliocache/bibliocache/internal/alerting"
	"github.com/bibliocache/bibliocache/internal/archival"
	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/internal/circuit"
	"github.com/bibliocache/bibliocache/internal/config"
	"github.com/bibliocache/bibliocache/internal/metrics"
	"github.com/bibliocache/bibliocache/internal/storage/cold"
	"github.com/bibliocache/bibliocache/internal/tuning"
	"github.com/bibliocache/bibliocache/internal/warming"
	"github.com/bibliocache/bibliocache/pkg/api"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/ratelimit"
	"github.com/bibliocache/bibliocache/pkg/tasks"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bibliocache",
		Short: "Multi-tier read-through cache for book metadata",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bibliocache %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	return cmd
}

func runServe(configFile string) error {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format := utils.FormatText
	if cfg.Global.LogFormat == "json" {
		format = utils.FormatJSON
	}
	logger := utils.NewLogger(&utils.LoggerConfig{
		Level:  utils.ParseLogLevel(cfg.Global.LogLevel),
		Output: os.Stdout,
		Format: format,
	})

	edge := cache.NewEdgeStore(&cache.EdgeStoreConfig{
		DefaultTTL:      cfg.Edge.TTL,
		MaxEntries:      cfg.Edge.MaxEntries,
		CleanupInterval: cfg.Edge.CleanupInterval,
	})
	defer edge.Close()

	durable, err := cache.NewDurableStore(&cache.DurableStoreConfig{
		Directory:       cfg.Durable.Directory,
		DefaultTTL:      cfg.Durable.TTL,
		CleanupInterval: cfg.Durable.CleanupInterval,
		SyncInterval:    cfg.Durable.SyncInterval,
	})
	if err != nil {
		return err
	}
	defer func() { _ = durable.Close() }()

	executor := tasks.NewExecutor(&tasks.ExecutorConfig{}, logger)

	collector := metrics.NewCollector(&metrics.Config{
		Enabled:          cfg.Metrics.Enabled,
		Namespace:        cfg.Metrics.Namespace,
		Window:           cfg.Metrics.Window,
		SnapshotCacheTTL: cfg.Metrics.SnapshotCacheTTL,
		MaxEvents:        cfg.Metrics.MaxEvents,
		CostPerGBMonth:   cfg.Cold.CostPerGBMonth,
	}, logger)
	collector.AddSizeSource(durable)

	registry := tuning.NewInMemoryRegistry()
	engine := tuning.NewEngine(registry, durable, &tuning.Config{
		Enabled:           cfg.Tuning.Enabled,
		AnalysisInterval:  cfg.Tuning.AnalysisInterval,
		SignificanceLevel: cfg.Tuning.SignificanceLevel,
		MinEffectSize:     cfg.Tuning.MinEffectSize,
		MinSampleSize:     cfg.Tuning.MinSampleSize,
	}, logger)

	orchestrator := cache.NewOrchestrator(edge, durable, executor,
		metrics.NewTee(collector, engine), nil, logger)
	orchestrator.SetTTLPolicy(engine)

	ctx := context.Background()
	engine.LoadPromoted(ctx)

	var archiver *archival.Scheduler
	if cfg.Cold.Bucket != "" {
		coldStore, err := cold.NewS3Store(ctx, &cold.Config{
			Bucket:         cfg.Cold.Bucket,
			Region:         cfg.Cold.Region,
			Endpoint:       cfg.Cold.Endpoint,
			Prefix:         cfg.Cold.Prefix,
			ForcePathStyle: cfg.Cold.ForcePathStyle,
			RequestTimeout: cfg.Cold.RequestTimeout,
		})
		if err != nil {
			return err
		}
		archiver = archival.NewScheduler(durable, edge, coldStore, collector, &archival.Config{
			Interval:           cfg.Archival.Interval,
			AgeThreshold:       cfg.Archival.AgeThreshold,
			FrequencyThreshold: cfg.Archival.FrequencyThreshold,
			FrequencyWindow:    cfg.Archival.FrequencyWindow,
			RehydratedTTL:      cfg.Archival.RehydratedTTL,
			PassTimeout:        cfg.Archival.PassTimeout,
			ColdPrefix:         cfg.Cold.Prefix,
		}, logger)
		orchestrator.SetRehydrator(archiver)
		if err := archiver.Start(); err != nil {
			return err
		}
		defer archiver.Stop()
	} else {
		logger.Warn("cold storage bucket not configured, archival disabled")
	}

	gate := ratelimit.NewGate(cfg.Warming.ProviderInterval)
	breaker := circuit.NewBreaker("book-provider", circuit.Config{})
	pipeline := warming.NewPipeline(orchestrator, durable, &unconfiguredProvider{},
		gate, breaker, &warming.Config{
			MaxDepthLimit:       cfg.Warming.MaxDepthLimit,
			ConsumerConcurrency: cfg.Warming.ConsumerConcurrency,
			BatchSize:           cfg.Warming.BatchSize,
			QueueSize:           cfg.Warming.QueueSize,
			MaxRetries:          cfg.Warming.MaxRetries,
			RetryBaseDelay:      cfg.Warming.RetryBaseDelay,
			ProviderTimeout:     cfg.Warming.ProviderTimeout,
			MarkerTTL:           cfg.Warming.MarkerTTL,
		}, logger)
	if err := pipeline.Start(); err != nil {
		return err
	}

	thresholds := make([]types.AlertThreshold, 0, len(cfg.Alerting.Thresholds))
	for _, rule := range cfg.Alerting.Thresholds {
		thresholds = append(thresholds, types.AlertThreshold{
			MetricName:      rule.Metric,
			Severity:        types.AlertSeverity(rule.Severity),
			Comparison:      rule.Comparison,
			ComparisonValue: rule.Value,
		})
	}
	evaluator := alerting.NewEvaluator(collector,
		[]types.AlertChannel{alerting.NewLogChannel(logger)},
		&alerting.Config{
			Enabled:    cfg.Alerting.Enabled,
			Interval:   cfg.Alerting.Interval,
			Cooldown:   cfg.Alerting.Cooldown,
			Thresholds: thresholds,
		}, logger)
	if err := evaluator.Start(); err != nil {
		return err
	}
	defer evaluator.Stop()

	if cfg.Tuning.Enabled {
		if err := engine.Start(); err != nil {
			return err
		}
		defer engine.Stop()
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.Global.APIAddress
	server := api.NewServer(serverCfg, orchestrator, pipeline, collector,
		evaluator, collector.Registry(), logger)
	server.StartBackground()

	logger.Info("bibliocache started", map[string]interface{}{
		"version": version, "address": cfg.Global.APIAddress,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		logger.Error("warming shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if err := executor.Drain(shutdownCtx); err != nil {
		logger.Error("executor drain failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// unconfiguredProvider stands in until a real book-data integration is wired
// into the deployment. Every call reports not-found, which the pipeline
// treats as an empty answer.
type unconfiguredProvider struct{}

func (p *unconfiguredProvider) SearchByTitle(ctx context.Context, title string) ([]types.WorkRecord, error) {
	return nil, errors.New(errors.ErrCodeProviderNotFound, "no book provider configured")
}

func (p *unconfiguredProvider) SearchByAuthor(ctx context.Context, name string) ([]types.WorkRecord, error) {
	return nil, errors.New(errors.ErrCodeProviderNotFound, "no book provider configured")
}
