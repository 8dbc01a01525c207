package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/worker"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the queue once within the configured budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyWorkerFlags(cmd)
		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Worker.Drain(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the queue repeatedly until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyWorkerFlags(cmd)
		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		idle, _ := cmd.Flags().GetDuration("idle")
		runWorkerLoop(ctx, env.Worker, idle)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{drainCmd, workerCmd} {
		c.Flags().Int("batch-size", 0, "items claimed per batch (default from config)")
		c.Flags().Int("concurrency", 0, "items processed in parallel (default from config)")
		c.Flags().String("source", "", "only claim items from this source")
		rootCmd.AddCommand(c)
	}
	workerCmd.Flags().Duration("idle", 15*time.Second, "wait between drains that found no work")
}

// applyWorkerFlags overrides worker config with any flags the user set.
func applyWorkerFlags(cmd *cobra.Command) {
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		cfg.Worker.BatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Worker.Concurrency = v
	}
	if v, _ := cmd.Flags().GetString("source"); v != "" {
		cfg.Worker.SourceFilter = v
	}
}

// runWorkerLoop drains back to back while there is work and sleeps idle
// between empty drains.
func runWorkerLoop(ctx context.Context, w *worker.Worker, idle time.Duration) {
	log := zap.L().With(zap.String("worker_id", w.ID()))
	log.Info("worker started", zap.Duration("idle", idle))
	for {
		sum, err := w.Drain(ctx)
		if err != nil {
			log.Error("drain failed", zap.Error(err))
		}
		wait := time.Duration(0)
		if err != nil || sum.Claimed == 0 {
			wait = idle
		}
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-time.After(wait):
		}
	}
}
