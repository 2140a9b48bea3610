// Package trainer runs the crosscoder optimization loop: one pass over a
// merged activation table with Adam, gradient clipping, a learning-rate
// decay schedule and a sparsity-coefficient warmup. The model is saved
// periodically and, unconditionally, once more when the loop exits for any
// reason.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tom-pollak/interp-training/internal/config"
	"github.com/tom-pollak/interp-training/internal/crosscoder"
	"github.com/tom-pollak/interp-training/internal/logger"
	"github.com/tom-pollak/interp-training/internal/metrics"
)

const maxGradNorm = 1.0

// Trainer owns one training run.
type Trainer struct {
	cfg    config.Trainer
	coder  *crosscoder.CrossCoder
	source BatchSource
	opt    *Adam
	log    *logger.Logger

	totalSteps int
	step       int
}

// New builds a trainer. The run config is written into the dump dir up
// front so a run is reconstructible from its output alone.
func New(cfg config.Trainer, coder *crosscoder.CrossCoder, source BatchSource) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := source.TotalBatches()
	if total <= 0 {
		return nil, fmt.Errorf("batch source yields no batches")
	}
	if err := os.MkdirAll(cfg.DumpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dump dir: %w", err)
	}
	if err := config.SaveJSON(filepath.Join(cfg.DumpDir, "train_config.json"), &cfg); err != nil {
		return nil, err
	}

	return &Trainer{
		cfg:        cfg,
		coder:      coder,
		source:     source,
		opt:        NewAdam(cfg.LR, cfg.Beta1, cfg.Beta2, coder.Params()),
		log:        logger.Log.Component("trainer"),
		totalSteps: total,
	}, nil
}

// Step returns the number of completed optimizer steps.
func (t *Trainer) Step() int { return t.step }

// TotalSteps returns the planned length of the run.
func (t *Trainer) TotalSteps() int { return t.totalSteps }

// Run executes the loop until the source is exhausted, the context is
// cancelled, or a step fails. A final checkpoint is written on every exit
// path, including error ones.
func (t *Trainer) Run(ctx context.Context) (err error) {
	t.log.Info("starting training run",
		"total_steps", t.totalSteps,
		"batch_size", t.cfg.BatchSize,
		"lr", t.cfg.LR,
		"l1_coeff", t.cfg.L1Coeff)

	defer func() {
		if saveErr := t.save("final"); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
	}()

	for t.step < t.totalSteps {
		if ctx.Err() != nil {
			t.log.Warn("training interrupted", "step", t.step)
			return ctx.Err()
		}

		batch, nextErr := t.source.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return fmt.Errorf("step %d: failed to read batch: %w", t.step, nextErr)
		}

		if stepErr := t.trainStep(batch); stepErr != nil {
			return fmt.Errorf("step %d: %w", t.step, stepErr)
		}
		t.step++

		if t.step%t.cfg.SaveEvery == 0 {
			if saveErr := t.save(fmt.Sprintf("step%d", t.step)); saveErr != nil {
				return saveErr
			}
		}
	}

	t.log.Info("training run finished", "steps", t.step)
	return nil
}

func (t *Trainer) trainStep(batch [][]float32) error {
	start := time.Now()

	lrScale := LRScale(t.step, t.totalSteps)
	l1 := L1Coeff(t.step, t.totalSteps, t.cfg.L1Coeff)

	t.coder.ZeroGrad()
	losses, err := t.coder.BackwardBatch(batch, l1)
	if err != nil {
		return err
	}

	params := t.coder.Params()
	gradNorm := ClipGradNorm(params, maxGradNorm)
	t.opt.Step(params, lrScale)

	scalars := map[string]float64{
		"loss":               losses.Total(l1),
		"l2_loss":            losses.L2,
		"l1_loss":            losses.L1,
		"l0":                 losses.L0,
		"lr":                 t.cfg.LR * lrScale,
		"l1_coeff":           l1,
		"explained_variance": losses.ExplainedVariance,
	}
	metrics.RecordTrainStep(t.step, scalars, time.Since(start))
	metrics.RecordGradNorm(gradNorm)
	for m, ev := range losses.ExplainedVariancePerModel {
		metrics.RecordExplainedVariancePerModel(m, ev)
	}

	if t.step%t.cfg.LogEvery == 0 {
		t.log.Info("train step",
			"step", t.step,
			"loss", scalars["loss"],
			"l2_loss", losses.L2,
			"l1_loss", losses.L1,
			"l0", losses.L0,
			"lr", scalars["lr"],
			"l1_coeff", l1,
			"explained_variance", losses.ExplainedVariance,
			"grad_norm", gradNorm)
	}
	return nil
}

func (t *Trainer) save(name string) error {
	dir := filepath.Join(t.cfg.DumpDir, name)
	if err := t.coder.Save(dir); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	metrics.RecordCheckpointSave()
	t.log.Info("saved checkpoint", "dir", dir, "step", t.step)
	return nil
}
