package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	trainingLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sicnn",
			Subsystem: "training",
			Name:      "loss",
			Help:      "Most recent loss value per term.",
		},
		[]string{"term"},
	)
	trainingSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sicnn",
			Subsystem: "training",
			Name:      "steps_total",
			Help:      "Completed alternating training steps.",
		},
	)
	trainingEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sicnn",
			Subsystem: "training",
			Name:      "epoch",
			Help:      "Epoch currently being trained.",
		},
	)
	learningRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sicnn",
			Subsystem: "training",
			Name:      "learning_rate",
			Help:      "Learning rate in effect per model.",
		},
		[]string{"model"},
	)
	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sicnn",
			Subsystem: "training",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one alternating step.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
	skippedItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sicnn",
			Subsystem: "data",
			Name:      "skipped_items_total",
			Help:      "Dataset items skipped because they could not be decoded.",
		},
	)
	evalScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sicnn",
			Subsystem: "eval",
			Name:      "score",
			Help:      "Aggregate evaluation score per scoring model.",
		},
		[]string{"model", "epoch"},
	)
	evalSimilarity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sicnn",
			Subsystem: "eval",
			Name:      "mean_similarity",
			Help:      "Mean cosine similarity to HR, by reconstruction kind.",
		},
		[]string{"model", "kind"},
	)
	checkpointsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sicnn",
			Subsystem: "checkpoint",
			Name:      "written_total",
			Help:      "Checkpoints written per model.",
		},
		[]string{"model"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(trainingLoss, trainingSteps, trainingEpoch, learningRate, stepDuration,
			skippedItems, evalScore, evalSimilarity, checkpointsWritten)
	})
}

// RecordStep records one finished alternating step.
func RecordStep(losses map[string]float64, duration time.Duration) {
	RegisterMetrics()
	for term, v := range losses {
		trainingLoss.WithLabelValues(term).Set(v)
	}
	trainingSteps.Inc()
	stepDuration.Observe(duration.Seconds())
}

func RecordEpoch(epoch int, lrResolver, lrFeature float32) {
	RegisterMetrics()
	trainingEpoch.Set(float64(epoch))
	learningRate.WithLabelValues("cnn_h").Set(float64(lrResolver))
	learningRate.WithLabelValues("cnn_r").Set(float64(lrFeature))
}

func RecordSkippedItem() {
	RegisterMetrics()
	skippedItems.Inc()
}

// RecordEvaluation publishes one evaluator run.
func RecordEvaluation(model string, epoch int, score, meanSR, meanBicubic float64) {
	RegisterMetrics()
	evalScore.WithLabelValues(model, strconv.Itoa(epoch)).Set(score)
	evalSimilarity.WithLabelValues(model, "sr").Set(meanSR)
	evalSimilarity.WithLabelValues(model, "bicubic").Set(meanBicubic)
}

func RecordCheckpoint(model string) {
	RegisterMetrics()
	checkpointsWritten.WithLabelValues(model).Inc()
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
