package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/config"
)

// Checker watches queue health on a fixed interval. A condition is posted
// when it first fires and again once per repeat window while it keeps
// firing. A condition that clears is forgotten.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	repeat    time.Duration
	now       func() time.Time
	posted    map[AlertType]time.Time
}

// NewChecker builds a queue health watch from the monitoring settings.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	repeat := time.Duration(cfg.AlertRepeatMins) * time.Minute
	if repeat <= 0 {
		repeat = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		repeat:    repeat,
		now:       time.Now,
		posted:    make(map[AlertType]time.Time),
	}
}

// Run checks queue health every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "queue_watch"))
	log.Info("monitoring: queue watch started",
		zap.Duration("every", c.interval),
		zap.Duration("repeat_after", c.repeat),
	)

	tick := time.NewTicker(c.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: queue watch stopped")
			return
		case <-tick.C:
			c.check(ctx, log)
		}
	}
}

// check runs one pass and returns how many alerts reached the webhook.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Warn("monitoring: queue snapshot unavailable", zap.Error(err))
		return 0
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return 0
	}
	posted := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: queue alerts posted",
		zap.Int("due", len(due)),
		zap.Int("posted", posted),
		zap.Int("pending", snap.QueuePending),
		zap.Float64("fail_rate", snap.FailRate),
	)
	return posted
}

func (c *Checker) due(firing []Alert) []Alert {
	now := c.now()
	active := make(map[AlertType]bool, len(firing))
	var out []Alert
	for _, a := range firing {
		active[a.Type] = true
		if last, ok := c.posted[a.Type]; ok && now.Sub(last) < c.repeat {
			continue
		}
		c.posted[a.Type] = now
		out = append(out, a)
	}
	for kind := range c.posted {
		if !active[kind] {
			delete(c.posted, kind)
		}
	}
	return out
}
