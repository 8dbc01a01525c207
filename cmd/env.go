package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/consensus"
	"github.com/sells-group/listing-pipeline/internal/extract"
	"github.com/sells-group/listing-pipeline/internal/fetcher"
	"github.com/sells-group/listing-pipeline/internal/gate"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/monitoring"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/resolve"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/internal/timeline"
	"github.com/sells-group/listing-pipeline/internal/worker"
	anthropicpkg "github.com/sells-group/listing-pipeline/pkg/anthropic"
)

// pipelineEnv holds the store and every component built on it, as needed
// by the drain, worker, serve and operator commands.
type pipelineEnv struct {
	Store     store.Store
	Timeline  *timeline.Recorder
	Extractor *extract.Orchestrator
	Resolver  *resolve.Resolver
	Consensus *consensus.Engine
	Media     *media.Pipeline
	Gate      *gate.Gate
	Worker    *worker.Worker
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and builds the
// pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline components over st.
func buildEnv(st store.Store, c *config.Config) (*pipelineEnv, error) {
	rec := timeline.NewRecorder(st)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.Extract.UserAgent,
		Timeout:      secs(c.Extract.FetchTimeoutSecs),
		MaxBodyBytes: int64(c.Extract.MaxBodyKB) << 10,
		HostRate:     rate.Limit(c.Extract.HostRatePerSec),
	})

	var aiClient anthropicpkg.Client
	if c.Anthropic.Key != "" {
		aiClient = anthropicpkg.NewClient(c.Anthropic.Key)
	} else {
		zap.L().Debug("LISTING_ANTHROPIC_KEY not set, ai extraction disabled")
	}
	strategies, err := extract.BuildStrategies(c.Extract.Strategies, extract.BuildOptions{
		PlatformTimeout: secs(c.Extract.PlatformTimeoutSecs),
		GenericTimeout:  secs(c.Extract.GenericTimeoutSecs),
		AIClient:        aiClient,
		AI: extract.AIOptions{
			Model:     c.Anthropic.Model,
			MaxTokens: c.Anthropic.MaxTokens,
			MaxChars:  c.Anthropic.MaxChars,
			Timeout:   secs(c.Extract.AITimeoutSecs),
		},
	})
	if err != nil {
		return nil, err
	}
	breakers := resilience.NewBreakerSet(resilience.NewBreakerConfig(c.Extract.BreakerThreshold, c.Extract.BreakerResetSecs))
	orch := extract.New(f, breakers, strategies...).WithObserver(monitoring.ObserveStrategy)

	var consCfg *consensus.Config
	if c.Consensus.ConfigPath != "" {
		consCfg, err = consensus.LoadConfig(c.Consensus.ConfigPath, c.Consensus.DefaultThreshold, c.Consensus.CriticalThreshold)
		if err != nil {
			return nil, eris.Wrap(err, "load consensus config")
		}
	} else {
		consCfg = consensus.NewDefaultConfig(c.Consensus.DefaultThreshold, c.Consensus.CriticalThreshold)
	}
	engine := consensus.NewEngine(st, consCfg, rec)

	resolver := resolve.New(st, rec, resolve.Config{NameSimilarity: c.Resolve.NameSimilarity, Fields: consCfg})

	mp := media.New(st, f, media.NewLocalStorage(c.Media.StorageDir, c.Media.PublicBaseURL), rec, media.Config{
		MaxImmediate:    c.Media.MaxImmediate,
		MaxAttempts:     c.Media.MaxAttempts,
		Concurrency:     c.Media.Concurrency,
		MaxBytes:        int64(c.Media.MaxImageMB) << 20,
		DownloadTimeout: secs(c.Media.DownloadTimeoutSecs),
	})

	g := gate.New(st, rec, c.Gate.MinScore)
	if c.Gate.ReviewWebhookURL != "" {
		g.WithReviewer(gate.NewWebhookReviewer(c.Gate.ReviewWebhookURL))
	}

	proc := worker.NewProcessor(orch, resolver, engine, mp, g, worker.ProcessorConfig{
		AutoPublish:  c.Gate.AutoPublish,
		MaxImmediate: c.Media.MaxImmediate,
	})

	zap.L().Debug("pipeline initialized",
		zap.Strings("strategies", orch.Strategies()),
		zap.String("store", c.Store.Driver),
		zap.Bool("auto_publish", c.Gate.AutoPublish),
	)

	return &pipelineEnv{
		Store:     st,
		Timeline:  rec,
		Extractor: orch,
		Resolver:  resolver,
		Consensus: engine,
		Media:     mp,
		Gate:      g,
		Worker:    worker.New(st, proc, worker.ConfigFrom(c)),
	}, nil
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
