package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of queue health.
type MetricsSnapshot struct {
	QueuePending    int     `json:"queue_pending"`
	QueueProcessing int     `json:"queue_processing"`
	QueueComplete   int     `json:"queue_complete"`
	QueueFailed     int     `json:"queue_failed"`
	QueueSkipped    int     `json:"queue_skipped"`
	FailRate        float64 `json:"fail_rate"`
	// OldestPendingAge is zero when nothing is pending.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`

	// Breakers maps strategy name to breaker state.
	Breakers map[string]string `json:"breakers,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// QueueStatser is the store method the collector needs.
type QueueStatser interface {
	QueueStats(ctx context.Context) (*model.QueueStats, error)
}

// BreakerSource reports breaker states, e.g. the extraction orchestrator's
// BreakerSet.
type BreakerSource interface {
	States() map[string]resilience.BreakerState
}

// Collector gathers metrics from the store and the strategy breakers.
type Collector struct {
	store    QueueStatser
	breakers BreakerSource
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st QueueStatser, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot and refreshes the queue and breaker gauges.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.store.QueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}

	now := c.now()
	snap := &MetricsSnapshot{
		QueuePending:    stats.Pending,
		QueueProcessing: stats.Processing,
		QueueComplete:   stats.Complete,
		QueueFailed:     stats.Failed,
		QueueSkipped:    stats.Skipped,
		CollectedAt:     now,
	}
	if finished := stats.Complete + stats.Failed; finished > 0 {
		snap.FailRate = float64(stats.Failed) / float64(finished)
	}
	if stats.OldestPending != nil && stats.Pending > 0 {
		snap.OldestPendingAge = now.Sub(*stats.OldestPending)
	}

	QueueDepth.WithLabelValues(string(model.QueuePending)).Set(float64(stats.Pending))
	QueueDepth.WithLabelValues(string(model.QueueProcessing)).Set(float64(stats.Processing))
	QueueDepth.WithLabelValues(string(model.QueueComplete)).Set(float64(stats.Complete))
	QueueDepth.WithLabelValues(string(model.QueueFailed)).Set(float64(stats.Failed))
	QueueDepth.WithLabelValues(string(model.QueueSkipped)).Set(float64(stats.Skipped))

	if c.breakers != nil {
		states := c.breakers.States()
		snap.Breakers = make(map[string]string, len(states))
		for name, st := range states {
			snap.Breakers[name] = st.String()
			BreakerState.WithLabelValues(name).Set(breakerGauge(st))
		}
	}
	return snap, nil
}
