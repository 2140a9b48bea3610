package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ===== Activation Caching Metrics =====

	CacheWorkerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_worker_duration_seconds",
		Help:    "Duration of one per-checkpoint extraction job",
		Buckets: []float64{1, 10, 60, 300, 600, 1800, 3600, 7200},
	}, []string{"step"})

	CacheRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_rows_written_total",
		Help: "Activation rows written per checkpoint step",
	}, []string{"step"})

	CacheWorkerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_worker_failures_total",
		Help: "Extraction jobs that ended in error",
	})

	CacheMergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_merge_duration_seconds",
		Help:    "Duration of the per-step table merge phase",
		Buckets: prometheus.DefBuckets,
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "model_forward_duration_seconds",
		Help: "Duration of one forward pass over a batch of sequences",
	})

	// ===== Trainer Metrics =====
	// Per-step scalars are exported as gauges keyed by the current step so
	// an external scraper sees the same dictionary the run logs.

	TrainStep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_train_step",
		Help: "Current trainer step counter",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_loss",
		Help: "Total weighted loss at the last step",
	})

	TrainReconLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_l2_loss",
		Help: "Reconstruction loss at the last step",
	})

	TrainSparsityLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_l1_loss",
		Help: "Decoder-norm weighted sparsity loss at the last step",
	})

	TrainL0 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_l0",
		Help: "Mean number of active features per sample",
	})

	TrainLR = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_lr",
		Help: "Effective learning rate after the schedule multiplier",
	})

	TrainL1Coeff = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_l1_coeff",
		Help: "Sparsity coefficient after the warmup ramp",
	})

	TrainExplainedVariance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosscoder_explained_variance",
		Help: "Fraction of activation variance captured by the reconstruction",
	})

	TrainExplainedVariancePerModel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crosscoder_explained_variance_per_model",
		Help: "Explained variance for one checkpoint's activation column",
	}, []string{"model"})

	TrainStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "crosscoder_step_duration_seconds",
		Help: "Duration of one optimizer step",
	})

	TrainGradNorm = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crosscoder_grad_norm",
		Help:    "Global gradient norm before clipping",
		Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 100.0},
	})

	CheckpointSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosscoder_checkpoint_saves_total",
		Help: "Crosscoder checkpoint serializations, periodic and final",
	})
)

// RecordCacheWorker records the outcome of one extraction job.
func RecordCacheWorker(step int, rows int, duration time.Duration, err error) {
	label := fmt.Sprintf("%d", step)
	CacheWorkerDuration.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		CacheWorkerFailures.Inc()
		return
	}
	CacheRowsWritten.WithLabelValues(label).Add(float64(rows))
}

// RecordMerge records the duration of the merge phase.
func RecordMerge(duration time.Duration) {
	CacheMergeDuration.Observe(duration.Seconds())
}

// RecordForward records one model forward pass.
func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

// RecordTrainStep exports the per-step scalar dictionary.
func RecordTrainStep(step int, scalars map[string]float64, duration time.Duration) {
	TrainStep.Set(float64(step))
	TrainStepDuration.Observe(duration.Seconds())
	for k, v := range scalars {
		switch k {
		case "loss":
			TrainLoss.Set(v)
		case "l2_loss":
			TrainReconLoss.Set(v)
		case "l1_loss":
			TrainSparsityLoss.Set(v)
		case "l0":
			TrainL0.Set(v)
		case "lr":
			TrainLR.Set(v)
		case "l1_coeff":
			TrainL1Coeff.Set(v)
		case "explained_variance":
			TrainExplainedVariance.Set(v)
		}
	}
}

// RecordExplainedVariancePerModel exports the per-checkpoint diagnostic.
func RecordExplainedVariancePerModel(model int, ev float64) {
	TrainExplainedVariancePerModel.WithLabelValues(fmt.Sprintf("%d", model)).Set(ev)
}

// RecordGradNorm records the pre-clip global gradient norm.
func RecordGradNorm(norm float64) {
	TrainGradNorm.Observe(norm)
}

// RecordCheckpointSave counts one checkpoint serialization.
func RecordCheckpointSave() {
	CheckpointSaves.Inc()
}
