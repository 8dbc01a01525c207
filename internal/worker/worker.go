// Package worker drains the listing queue: it claims leased batches,
// runs each item through the pipeline with bounded parallelism and
// finalizes the queue row.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/monitoring"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// finalizeTimeout bounds queue writes made after the item context ended.
const finalizeTimeout = 10 * time.Second

// Queue is the queue persistence the worker needs.
type Queue interface {
	ClaimBatch(ctx context.Context, req model.ClaimRequest) ([]model.QueueItem, error)
	CompleteItem(ctx context.Context, id, workerID string, status model.QueueStatus, entityID string) error
	ReleaseItem(ctx context.Context, id, workerID string, nextAttemptAt time.Time, errMsg string) error
	FailItem(ctx context.Context, id, workerID, errMsg string) error
	SweepExpired(ctx context.Context, maxAttempts int) (int, error)
}

// Config tunes one drain.
type Config struct {
	WorkerID    string
	BatchSize   int
	Concurrency int
	MaxAttempts int
	LeaseTTL    time.Duration
	// Budget is the wall-clock time after which no new batch is claimed.
	Budget      time.Duration
	ItemTimeout time.Duration
	Source      string
	Backoff     resilience.Backoff
}

// ConfigFrom builds a drain config from application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		WorkerID:    cfg.Worker.WorkerID,
		BatchSize:   cfg.Worker.BatchSize,
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
		LeaseTTL:    cfg.Worker.LeaseTTL(),
		Budget:      cfg.Worker.Budget(),
		ItemTimeout: cfg.Worker.ItemTimeout(),
		Source:      cfg.Worker.SourceFilter,
		Backoff:     resilience.NewBackoff(cfg.Retry.InitialSecs, cfg.Retry.MaxSecs, cfg.Retry.Multiplier, cfg.Retry.JitterFrac),
	}
}

// Summary reports what one drain did.
type Summary struct {
	Batches   int           `json:"batches"`
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Skipped   int           `json:"skipped"`
	Released  int           `json:"released"`
	Failed    int           `json:"failed"`
	LeaseLost int           `json:"lease_lost"`
	Swept     int           `json:"swept"`
	Published int           `json:"published"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (s *Summary) add(outcome string) {
	switch outcome {
	case outcomeComplete:
		s.Completed++
	case outcomeSkipped:
		s.Skipped++
	case outcomeReleased:
		s.Released++
	case outcomeFailed:
		s.Failed++
	case outcomeLeaseLost:
		s.LeaseLost++
	}
}

const (
	outcomeComplete  = "complete"
	outcomeSkipped   = "skipped"
	outcomeReleased  = "released"
	outcomeFailed    = "failed"
	outcomeLeaseLost = "lease_lost"
)

// Worker drains the queue.
type Worker struct {
	queue Queue
	proc  *Processor
	cfg   Config
	now   func() time.Time
}

// New creates a Worker. Zero config values fall back to the defaults.
func New(q Queue, proc *Processor, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 50 * time.Second
	}
	if cfg.ItemTimeout <= 0 || cfg.ItemTimeout >= cfg.LeaseTTL {
		cfg.ItemTimeout = min(40*time.Second, cfg.LeaseTTL/2)
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = resilience.QueueBackoff()
	}
	return &Worker{queue: q, proc: proc, cfg: cfg, now: time.Now}
}

// ID returns the worker id written to leases.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Drain claims and processes batches until the queue has nothing
// claimable, the budget is spent, or ctx is cancelled. Items already
// claimed when the budget runs out are still finished.
func (w *Worker) Drain(ctx context.Context) (*Summary, error) {
	start := w.now()
	deadline := start.Add(w.cfg.Budget)
	sum := &Summary{}
	log := zap.L().With(zap.String("worker_id", w.cfg.WorkerID))

	swept, err := w.queue.SweepExpired(ctx, w.cfg.MaxAttempts)
	if err != nil {
		return nil, eris.Wrap(err, "worker: sweep expired")
	}
	sum.Swept = swept
	if swept > 0 {
		log.Warn("worker: failed items whose final lease expired", zap.Int("count", swept))
	}

	for ctx.Err() == nil && w.now().Before(deadline) {
		items, err := w.queue.ClaimBatch(ctx, model.ClaimRequest{
			BatchSize:   w.cfg.BatchSize,
			MaxAttempts: w.cfg.MaxAttempts,
			Source:      w.cfg.Source,
			WorkerID:    w.cfg.WorkerID,
			LeaseTTL:    w.cfg.LeaseTTL,
		})
		if err != nil {
			sum.Elapsed = w.now().Sub(start)
			return sum, eris.Wrap(err, "worker: claim batch")
		}
		if len(items) == 0 {
			break
		}
		sum.Batches++
		sum.Claimed += len(items)
		log.Debug("worker: claimed batch", zap.Int("items", len(items)))

		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(w.cfg.Concurrency)
		for _, item := range items {
			g.Go(func() error {
				outcome, published := w.handle(ctx, item)
				mu.Lock()
				sum.add(outcome)
				if published {
					sum.Published++
				}
				mu.Unlock()
				return nil // one item never aborts the batch
			})
		}
		_ = g.Wait()
	}

	sum.Elapsed = w.now().Sub(start)
	log.Info("worker: drain complete",
		zap.Int("batches", sum.Batches),
		zap.Int("claimed", sum.Claimed),
		zap.Int("completed", sum.Completed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("released", sum.Released),
		zap.Int("failed", sum.Failed),
		zap.Int("lease_lost", sum.LeaseLost),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

// handle processes one leased item and finalizes its row. It returns the
// outcome label and whether the entity was published.
func (w *Worker) handle(ctx context.Context, item model.QueueItem) (string, bool) {
	log := zap.L().With(
		zap.String("item_id", item.ID),
		zap.String("url", item.SourceURL),
		zap.Int("attempt", item.Attempts),
	)
	start := time.Now()

	ictx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	out, procErr := w.proc.Process(ictx, item)
	cancel()

	// The lease outlives the item deadline, so finalize even when the
	// parent context is gone.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	var (
		outcome string
		err     error
	)
	switch {
	case procErr == nil:
		status := out.Status()
		outcome = string(status)
		err = w.queue.CompleteItem(fctx, item.ID, w.cfg.WorkerID, status, out.EntityID)
	case !resilience.Retryable(procErr) || item.Attempts >= w.maxAttempts(item):
		outcome = outcomeFailed
		err = w.queue.FailItem(fctx, item.ID, w.cfg.WorkerID, errorMessage(procErr))
	default:
		outcome = outcomeReleased
		next := w.cfg.Backoff.NextAttempt(w.now().UTC(), item.Attempts)
		err = w.queue.ReleaseItem(fctx, item.ID, w.cfg.WorkerID, next, errorMessage(procErr))
	}

	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("worker: lease lost before finalize", zap.String("outcome", outcome))
		outcome = outcomeLeaseLost
	} else if err != nil {
		// The lease expires and the item is claimed again.
		log.Error("worker: finalize failed", zap.String("outcome", outcome), zap.Error(err))
	}

	monitoring.ItemsProcessed.WithLabelValues(outcome).Inc()
	monitoring.ItemDuration.Observe(time.Since(start).Seconds())

	if procErr != nil {
		log.Warn("worker: item failed",
			zap.String("outcome", outcome),
			zap.String("kind", string(resilience.KindOf(procErr))),
			zap.Error(procErr),
		)
		return outcome, false
	}
	return outcome, out.Published
}

func (w *Worker) maxAttempts(item model.QueueItem) int {
	return max(item.MaxAttempts, w.cfg.MaxAttempts)
}

const maxErrorMessage = 1000

func errorMessage(err error) string {
	msg := err.Error()
	if kind := resilience.KindOf(err); kind != "" {
		msg = string(kind) + ": " + msg
	}
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
