// Package cache orchestrates activation extraction across checkpoints: a
// fixed worker pool runs one extraction job per checkpoint step, each job
// pinned to a pool slot by its index, then the per-step tables are merged
// into one wide table. Any job failure aborts the whole run; the merge only
// happens once every step succeeded.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tom-pollak/interp-training/internal/acts"
	"github.com/tom-pollak/interp-training/internal/checkpoint"
	"github.com/tom-pollak/interp-training/internal/config"
	"github.com/tom-pollak/interp-training/internal/device"
	"github.com/tom-pollak/interp-training/internal/logger"
	"github.com/tom-pollak/interp-training/internal/metrics"
	"github.com/tom-pollak/interp-training/internal/model"
)

// Runner owns one extraction run.
type Runner struct {
	cfg  config.Cache
	pool *device.Pool
	log  *logger.Logger
}

func NewRunner(cfg config.Cache) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := device.NewPool(cfg.NumDevices)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:  cfg,
		pool: pool,
		log:  logger.Log.Component("cache"),
	}, nil
}

// Run extracts activations for every configured checkpoint step, merges the
// per-step tables, and returns the merged table's path. When a Flight
// address is configured the merged table is also published there.
func (r *Runner) Run(ctx context.Context) (string, error) {
	seqs, contextSize, err := acts.ReadTokenDataset(r.cfg.DatasetPath)
	if err != nil {
		return "", err
	}
	if contextSize != r.cfg.ContextSize {
		return "", fmt.Errorf("dataset context size %d does not match configured %d", contextSize, r.cfg.ContextSize)
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	r.log.Info("starting extraction",
		"steps", len(r.cfg.Steps),
		"devices", r.pool.Size(),
		"sequences", len(seqs),
		"hook_layer", r.cfg.HookLayer)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.pool.Size())
	for i, step := range r.cfg.Steps {
		dev := r.pool.Assign(i)
		g.Go(func() error {
			return r.extract(gctx, step, dev, seqs)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	mergeStart := time.Now()
	path, err := acts.Merge(r.cfg.OutputDir, r.cfg.Steps)
	if err != nil {
		return "", fmt.Errorf("merge failed: %w", err)
	}
	metrics.RecordMerge(time.Since(mergeStart))
	r.log.Info("merged activation tables", "path", path, "steps", len(r.cfg.Steps))

	if r.cfg.FlightAddr != "" {
		if err := r.publish(ctx, path); err != nil {
			return "", err
		}
	}
	return path, nil
}

// extract runs one checkpoint's forward passes and writes its step table.
func (r *Runner) extract(ctx context.Context, step int, dev *device.Context, seqs [][]int32) error {
	start := time.Now()
	log := r.log.Component(fmt.Sprintf("step%d", step))
	log.Info("extraction job started", "device", dev.ID())

	rows, dim, err := r.extractRows(ctx, step, seqs, log)
	if err == nil {
		err = acts.WriteStepTable(acts.StepTablePath(r.cfg.OutputDir, step), step, dim, rows)
	}
	metrics.RecordCacheWorker(step, len(rows), time.Since(start), err)
	if err != nil {
		log.Error("extraction job failed", "error", err)
		return fmt.Errorf("step %d: %w", step, err)
	}

	log.Info("extraction job finished",
		"rows", len(rows),
		"device", dev.ID(),
		"duration", time.Since(start).String())
	return nil
}

func (r *Runner) extractRows(ctx context.Context, step int, seqs [][]int32, log *logger.Logger) ([][]float32, int, error) {
	path, err := checkpoint.ResolveStep(r.cfg.CheckpointRoot, step)
	if err != nil {
		return nil, 0, err
	}
	m, err := model.Load(path)
	if err != nil {
		return nil, 0, err
	}

	var rows [][]float32
	for si, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return rows, m.Config.Dim, err
		}

		tokens := make([]int, len(seq))
		for i, t := range seq {
			tokens[i] = int(t)
		}

		fwdStart := time.Now()
		captured, err := m.ForwardCapture(tokens, r.cfg.HookLayer)
		if err != nil {
			return rows, m.Config.Dim, fmt.Errorf("sequence %d: %w", si, err)
		}
		metrics.RecordForward(time.Since(fwdStart))
		rows = append(rows, captured...)

		if r.cfg.MaxTokens > 0 && len(rows) >= r.cfg.MaxTokens {
			rows = rows[:r.cfg.MaxTokens]
			break
		}
		if (si+1)%r.cfg.BatchSize == 0 {
			log.Debug("extraction progress", "sequences", si+1, "rows", len(rows))
		}
	}
	return rows, m.Config.Dim, nil
}

func (r *Runner) publish(ctx context.Context, mergedPath string) error {
	rec, err := acts.ReadMergedRecord(mergedPath)
	if err != nil {
		return err
	}
	defer rec.Release()

	pub := acts.NewPublisher(r.cfg.FlightAddr)
	if err := pub.Publish(ctx, rec, acts.MergedTableName); err != nil {
		return fmt.Errorf("failed to publish merged table: %w", err)
	}
	r.log.Info("published merged table", "addr", r.cfg.FlightAddr)
	return nil
}
