package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

var (
	// ItemsProcessed counts finalized queue items by outcome.
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listing",
			Subsystem: "worker",
			Name:      "items_total",
			Help:      "Queue items finalized, by outcome",
		},
		[]string{"outcome"},
	)

	// ItemDuration tracks end-to-end item processing time.
	ItemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "listing",
			Subsystem: "worker",
			Name:      "item_duration_seconds",
			Help:      "Duration of one queue item through the pipeline",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	// StrategyOutcomes counts extraction strategy results.
	StrategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listing",
			Subsystem: "extract",
			Name:      "strategy_total",
			Help:      "Extraction strategy attempts, by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// StrategyDuration tracks time spent per strategy.
	StrategyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "listing",
			Subsystem: "extract",
			Name:      "strategy_duration_seconds",
			Help:      "Duration of one extraction strategy run",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		},
		[]string{"strategy"},
	)

	// MediaUploaded counts stored images.
	MediaUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "listing",
			Subsystem: "media",
			Name:      "uploaded_total",
			Help:      "Images stored",
		},
	)

	// MediaFailures counts image attempts that did not store.
	MediaFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "listing",
			Subsystem: "media",
			Name:      "failures_total",
			Help:      "Image download or storage attempts that failed",
		},
	)

	// EntitiesPublished counts pending to active transitions.
	EntitiesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "listing",
			Subsystem: "gate",
			Name:      "published_total",
			Help:      "Entities published by the quality gate",
		},
	)

	// QueueDepth reports queue rows per status at the last collection.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listing",
			Subsystem: "queue",
			Name:      "items",
			Help:      "Queue items by status",
		},
		[]string{"status"},
	)

	// BreakerState reports each strategy breaker: 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listing",
			Subsystem: "extract",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per strategy (0 closed, 1 open, 2 half-open)",
		},
		[]string{"strategy"},
	)
)

// ObserveStrategy records one strategy run. Its signature matches the
// extraction observer.
func ObserveStrategy(strategy, outcome string, elapsed time.Duration) {
	StrategyOutcomes.WithLabelValues(strategy, outcome).Inc()
	if elapsed > 0 {
		StrategyDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

func breakerGauge(s resilience.BreakerState) float64 {
	switch s {
	case resilience.BreakerOpen:
		return 1
	case resilience.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}
