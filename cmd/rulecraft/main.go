package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rulecraft/rulecraft/internal/archive"
	"github.com/rulecraft/rulecraft/internal/config"
	"github.com/rulecraft/rulecraft/internal/graph"
	"github.com/rulecraft/rulecraft/internal/inference"
	"github.com/rulecraft/rulecraft/internal/loop"
	"github.com/rulecraft/rulecraft/internal/memory"
	"github.com/rulecraft/rulecraft/internal/prompt"
	"github.com/rulecraft/rulecraft/internal/simlp"
)

const version = "0.1.0"

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		batchPath  = flag.String("batch", "", "path to YAML batch file listing fluents")
		domain     = flag.String("domain", "", "override recognition domain (msa, har)")
		verbose    = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	if *batchPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rulecraft -batch fluents.yaml [-config config.yaml] [-domain msa|har]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *domain != "" {
		cfg.Domain = *domain
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *batchPath, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, batchPath string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	batch, err := config.LoadBatch(batchPath)
	if err != nil {
		return err
	}
	if batch.Domain != "" {
		cfg.Domain = batch.Domain
	}

	fmt.Printf("rulecraft %s | domain: %s | model: %s | fluents: %d\n\n",
		version, cfg.Domain, cfg.Provider.Model, len(batch.Fluents))

	builder, err := prompt.NewRegistry().New(cfg.Domain)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	evaluator, closeEval, err := buildEvaluator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEval()

	mem, err := memory.New(cfg.Memory.MinScoreThreshold, logger)
	if err != nil {
		return err
	}

	var snapshots *memory.SnapshotStore
	if cfg.Memory.SnapshotPath != "" {
		snapshots, err = memory.NewSnapshotStore(cfg.Memory.SnapshotPath, logger)
		if err != nil {
			return err
		}
		defer snapshots.Close()

		if err := snapshots.Load(cfg.Memory.SnapshotName, mem); err != nil {
			logger.Info("no prior memory snapshot, starting empty",
				zap.String("snapshot", cfg.Memory.SnapshotName))
		} else {
			fmt.Printf("Restored %d fluents from memory snapshot %q\n\n", mem.Len(), cfg.Memory.SnapshotName)
		}
	}

	orchestrator, err := loop.New(builder, provider, evaluator, mem, &cfg.Loop, logger)
	if err != nil {
		return err
	}

	summary, runErr := orchestrator.RunBatch(ctx, batch.Fluents, batch.StopOnFailure)

	for _, result := range summary.Results {
		fmt.Println(result.Summary())
		fmt.Println()
	}
	fmt.Printf("Batch: %d attempted, %d completed, %d converged, %d failed\n",
		summary.Attempted, summary.Completed, summary.Converged, summary.Failed)

	if err := persist(ctx, cfg, batch, summary, mem, snapshots, logger); err != nil {
		logger.Warn("failed to persist results", zap.Error(err))
	}

	return runErr
}

// buildProvider constructs the configured inference backend, rate limited
// when a requests-per-minute budget is set.
func buildProvider(cfg *config.Config) (inference.Provider, error) {
	provider, err := inference.NewRegistry().New(cfg.Provider.Name, &inference.Config{
		OllamaURL:   cfg.Provider.URL,
		Model:       cfg.Provider.Model,
		ContextSize: cfg.Provider.ContextSize,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     cfg.Provider.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Provider.RequestsPerMinute > 0 {
		provider = inference.NewRateLimitedProvider(provider, cfg.Provider.RequestsPerMinute)
	}
	return provider, nil
}

// buildEvaluator constructs the similarity engine client, behind the Redis
// score cache when enabled. The returned func releases cache resources.
func buildEvaluator(cfg *config.Config, logger *zap.Logger) (simlp.Evaluator, func(), error) {
	client := simlp.NewClient(&simlp.Config{
		URL:     cfg.SimLP.URL,
		Timeout: cfg.SimLP.Timeout,
		Logger:  logger,
	})

	if !cfg.SimLP.Cache.Enabled {
		return client, func() {}, nil
	}

	cached, err := simlp.NewCachedEvaluator(client, &simlp.CacheConfig{
		Addr:     cfg.SimLP.Cache.Addr,
		Password: cfg.SimLP.Cache.Password,
		DB:       cfg.SimLP.Cache.DB,
		TTL:      cfg.SimLP.Cache.TTL,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("score cache unavailable, evaluating directly", zap.Error(err))
		return client, func() {}, nil
	}
	return cached, func() { cached.Close() }, nil
}

// persist writes the batch outcome to the configured stores: the memory
// snapshot, the run archive, and the dependency graph. Each store is
// independent; one failing does not block the others.
func persist(ctx context.Context, cfg *config.Config, batch *config.BatchFile, summary *loop.BatchSummary, mem *memory.RuleMemory, snapshots *memory.SnapshotStore, logger *zap.Logger) error {
	if snapshots != nil {
		if err := snapshots.Save(cfg.Memory.SnapshotName, mem); err != nil {
			logger.Warn("failed to save memory snapshot", zap.Error(err))
		}
	}

	if cfg.Archive.Enabled {
		store, err := archive.NewSQLiteArchive(cfg.Archive.Path)
		if err != nil {
			logger.Warn("failed to open run archive", zap.Error(err))
		} else {
			defer store.Close()
			for _, result := range summary.Results {
				if err := store.Save(ctx, result); err != nil {
					logger.Warn("failed to archive run",
						zap.String("fluent", result.FluentName), zap.Error(err))
				}
			}
		}
	}

	if cfg.Graph.Enabled {
		deps, err := graph.NewStore(cfg.Graph.AlphaURL)
		if err != nil {
			logger.Warn("failed to open dependency graph", zap.Error(err))
			return nil
		}
		defer deps.Close()

		prereqs := make(map[string][]string, len(batch.Fluents))
		for _, fc := range batch.Fluents {
			prereqs[fc.Name] = fc.Prerequisites
		}

		for _, result := range summary.Results {
			if err := deps.RecordFluent(ctx, result.FluentName, result.Domain, result.BestScore); err != nil {
				logger.Warn("failed to record fluent in graph",
					zap.String("fluent", result.FluentName), zap.Error(err))
				continue
			}
			for _, prereq := range prereqs[result.FluentName] {
				if err := deps.RecordPrerequisite(ctx, result.FluentName, prereq); err != nil {
					logger.Warn("failed to record prerequisite edge",
						zap.String("fluent", result.FluentName),
						zap.String("prerequisite", prereq), zap.Error(err))
				}
			}
		}
	}

	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
