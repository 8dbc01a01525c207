package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/monitoring"
	"github.com/sells-group/listing-pipeline/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API and run scheduled drains",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := scheduleDrains(ctx, env.Worker, cfg.Schedule.DrainCron)
		if err != nil {
			return err
		}
		defer func() { <-sched.Stop().Done() }()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Extractor.Breakers()),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      buildRouter(env, cfg),
			ReadTimeout:  serverTimeouts.read,
			WriteTimeout: serverTimeouts.write,
			IdleTimeout:  serverTimeouts.idle,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("drain_cron", cfg.Schedule.DrainCron))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// scheduleDrains starts a cron scheduler that drains the queue on spec.
// A tick that fires while the previous drain still runs is skipped.
func scheduleDrains(ctx context.Context, w *worker.Worker, spec string) (*cron.Cron, error) {
	c := cron.New()
	var running sync.Mutex
	_, err := c.AddFunc(spec, func() {
		if !running.TryLock() {
			zap.L().Debug("previous drain still running, skipping tick")
			return
		}
		defer running.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.Drain(ctx); err != nil {
			zap.L().Error("scheduled drain failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "schedule drains %q", spec)
	}
	c.Start()
	return c, nil
}
