package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tom-pollak/interp-training/internal/config"
	"github.com/tom-pollak/interp-training/internal/crosscoder"
	"github.com/tom-pollak/interp-training/internal/logger"
	"github.com/tom-pollak/interp-training/internal/monitoring"
	"github.com/tom-pollak/interp-training/internal/trainer"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON trainer config (flags override it)")
	dataset     = flag.String("dataset", "", "Merged activation table to train on")
	dumpDir     = flag.String("dump", "", "Directory for crosscoder checkpoints")
	resumeDir   = flag.String("resume", "", "Crosscoder checkpoint to resume from")
	dHidden     = flag.Int("d-hidden", 16384, "Dictionary size of the crosscoder")
	batchSize   = flag.Int("batch", 4096, "Samples per optimizer step")
	lr          = flag.Float64("lr", 5e-5, "Base learning rate")
	l1Coeff     = flag.Float64("l1", 2.0, "Target sparsity coefficient")
	seed        = flag.Int64("seed", 42, "Init and shuffle seed")
	saveEvery   = flag.Int("save-every", 10000, "Steps between periodic checkpoints")
	logEvery    = flag.Int("log-every", 100, "Steps between log lines")
	metricsAddr = flag.String("metrics", ":9091", "Address for health and metrics endpoints")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("crosscoder")

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

	mon.SetPhase("loading dataset")
	source, err := trainer.NewTableSource(cfg.DatasetPath, cfg.BatchSize, *seed)
	if err != nil {
		log.Error("failed to open activation table", "error", err)
		os.Exit(1)
	}

	coder, err := buildCrossCoder(source)
	if err != nil {
		log.Error("failed to build crosscoder", "error", err)
		os.Exit(1)
	}

	tr, err := trainer.New(cfg, coder, source)
	if err != nil {
		log.Error("failed to build trainer", "error", err)
		os.Exit(1)
	}

	// A signal cancels the loop; the trainer still writes its final
	// checkpoint on the way out.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warn("signal received, stopping training", "signal", sig.String())
		cancel()
	}()

	mon.SetPhase("training")
	start := time.Now()
	if err := tr.Run(ctx); err != nil {
		mon.SetFailed()
		log.Error("training run failed", "error", err, "step", tr.Step())
		shutdownMonitor(mon)
		os.Exit(1)
	}

	log.Info("training run complete",
		"steps", tr.Step(),
		"dump_dir", cfg.DumpDir,
		"duration", time.Since(start).String())
	shutdownMonitor(mon)
}

func buildConfig() (config.Trainer, error) {
	cfg := config.DefaultTrainer()
	if *configPath != "" {
		if err := config.LoadJSON(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataset":
			cfg.DatasetPath = *dataset
		case "dump":
			cfg.DumpDir = *dumpDir
		case "batch":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.LR = *lr
		case "l1":
			cfg.L1Coeff = *l1Coeff
		case "save-every":
			cfg.SaveEvery = *saveEvery
		case "log-every":
			cfg.LogEvery = *logEvery
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	return cfg, cfg.Validate()
}

// buildCrossCoder loads the resume checkpoint when given, otherwise
// initializes a fresh model sized to the activation table.
func buildCrossCoder(source *trainer.TableSource) (*crosscoder.CrossCoder, error) {
	if *resumeDir != "" {
		return crosscoder.Load(*resumeDir)
	}

	ccfg := crosscoder.DefaultConfig()
	ccfg.NModels = source.NModels()
	ccfg.DIn = source.Dim()
	ccfg.DHidden = *dHidden
	ccfg.Seed = *seed
	return crosscoder.New(ccfg)
}

func shutdownMonitor(mon *monitoring.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mon.Stop(ctx)
}
