package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tom-pollak/interp-training/internal/cache"
	"github.com/tom-pollak/interp-training/internal/config"
	"github.com/tom-pollak/interp-training/internal/logger"
	"github.com/tom-pollak/interp-training/internal/monitoring"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON cache config (flags override it)")
	checkpoints = flag.String("checkpoints", "", "Checkpoint store root")
	dataset     = flag.String("dataset", "", "Tokenized dataset (Arrow IPC)")
	outDir      = flag.String("out", "", "Output directory for activation tables")
	steps       = flag.String("steps", "", "Comma-separated checkpoint steps to extract")
	hookLayer   = flag.Int("hook-layer", 4, "Layer whose post-block residual is captured")
	numDevices  = flag.Int("devices", 1, "Size of the extraction worker pool")
	contextSize = flag.Int("context", 128, "Sequence length of the tokenized dataset")
	batchSize   = flag.Int("batch", 256, "Sequences per progress report")
	maxTokens   = flag.Int("max-tokens", 0, "Token rows per checkpoint, 0 for the whole dataset")
	flightAddr  = flag.String("flight", "", "Arrow Flight address to publish the merged table to")
	metricsAddr = flag.String("metrics", ":9090", "Address for health and metrics endpoints")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("cacheacts")

	cfg, err := buildConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		flag.Usage()
		os.Exit(1)
	}

	mon := monitoring.NewServer()
	go func() {
		if err := mon.Start(*metricsAddr); err != nil {
			log.Error("monitoring server error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warn("signal received, aborting run", "signal", sig.String())
		cancel()
	}()

	runner, err := cache.NewRunner(cfg)
	if err != nil {
		log.Error("failed to initialize runner", "error", err)
		os.Exit(1)
	}

	mon.SetPhase("extracting")
	start := time.Now()
	path, err := runner.Run(ctx)
	if err != nil {
		mon.SetFailed()
		log.Error("extraction run failed", "error", err)
		shutdownMonitor(mon)
		os.Exit(1)
	}

	log.Info("extraction run complete",
		"merged_table", path,
		"steps", len(cfg.Steps),
		"duration", time.Since(start).String())
	shutdownMonitor(mon)
}

func buildConfig() (config.Cache, error) {
	cfg := config.DefaultCache()
	if *configPath != "" {
		if err := config.LoadJSON(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// Explicitly set flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "checkpoints":
			cfg.CheckpointRoot = *checkpoints
		case "dataset":
			cfg.DatasetPath = *dataset
		case "out":
			cfg.OutputDir = *outDir
		case "hook-layer":
			cfg.HookLayer = *hookLayer
		case "devices":
			cfg.NumDevices = *numDevices
		case "context":
			cfg.ContextSize = *contextSize
		case "batch":
			cfg.BatchSize = *batchSize
		case "max-tokens":
			cfg.MaxTokens = *maxTokens
		case "flight":
			cfg.FlightAddr = *flightAddr
		}
	})

	if *steps != "" {
		parsed, err := parseSteps(*steps)
		if err != nil {
			return cfg, err
		}
		cfg.Steps = parsed
	}

	return cfg, cfg.Validate()
}

func parseSteps(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid step %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func shutdownMonitor(mon *monitoring.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mon.Stop(ctx)
}
