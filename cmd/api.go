package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/monitoring"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// api serves the operator HTTP surface.
type api struct {
	env       *pipelineEnv
	cfg       *config.Config
	collector *monitoring.Collector
}

// buildRouter returns the operator router over env.
func buildRouter(env *pipelineEnv, c *config.Config) http.Handler {
	a := &api{env: env, cfg: c, collector: monitoring.NewCollector(env.Store, env.Extractor.Breakers())}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", a.queueStats)
		r.Get("/items", a.listItems)
		r.Post("/items", a.enqueueItems)
		r.Get("/items/{id}", a.getItem)
		r.Post("/items/{id}/requeue", a.requeueItem)
	})

	r.Route("/entities/{id}", func(r chi.Router) {
		r.Get("/", a.getEntity)
		r.Get("/provenance", a.getProvenance)
		r.Get("/timeline", a.getTimeline)
		r.Get("/evaluate", a.evaluate)
		r.Post("/evaluate", a.evaluate)
		r.Post("/media/continue", a.continueMedia)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) queueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (a *api) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := a.env.Store.ListQueueItems(r.Context(), model.QueueFilter{
		Status: model.QueueStatus(q.Get("status")),
		Source: q.Get("source"),
		Limit:  intParam(r, "limit", 50),
		Offset: intParam(r, "offset", 0),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if items == nil {
		items = []model.QueueItem{}
	}
	respond(w, http.StatusOK, items)
}

func (a *api) enqueueItems(w http.ResponseWriter, r *http.Request) {
	var reqs []model.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of {source_url, source, raw_hint_fields}")
		return
	}
	reqs, rejected := prepareEnqueue(reqs, "", 0)
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "no valid urls")
		return
	}
	n, err := a.env.Store.Enqueue(r.Context(), reqs, a.cfg.Worker.MaxAttempts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{
		"queued":   n,
		"known":    len(reqs) - n,
		"rejected": rejected,
	})
}

func (a *api) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.env.Store.GetQueueItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (a *api) requeueItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.env.Store.RequeueItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (a *api) getEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := a.env.Gate.Snapshot(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rels, err := a.env.Store.ListRelationships(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, entityReport{Entity: snap.Entity, Fields: snap.Fields, Media: snap.Media, Relationships: rels})
}

func (a *api) getProvenance(w http.ResponseWriter, r *http.Request) {
	recs, err := a.env.Timeline.Provenance(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("field"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.FieldProvenance{}
	}
	respond(w, http.StatusOK, recs)
}

func (a *api) getTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := a.env.Timeline.History(r.Context(), chi.URLParam(r, "id"), intParam(r, "limit", 100))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.TimelineEvent{}
	}
	respond(w, http.StatusOK, events)
}

// evaluate scores the entity; POST with publish=true also publishes it.
func (a *api) evaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.Method == http.MethodPost && r.URL.Query().Get("publish") == "true" {
		ev, _, err := a.env.Gate.ValidateAndPublish(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		respond(w, http.StatusOK, ev)
		return
	}
	ev, err := a.env.Gate.Evaluate(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, ev)
}

func (a *api) continueMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetEntity(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.env.Media.BackfillImages(r.Context(), id, nil, intParam(r, "max_immediate", media.MaxImmediate), true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// fail maps err to a status code and logs server-side failures.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrNotRequeueable):
		writeError(w, http.StatusConflict, "item is not in a terminal state")
	case resilience.KindOf(err) == resilience.KindStorage:
		zap.L().Warn("api: storage error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// serverTimeouts are applied to the operator server.
var serverTimeouts = struct {
	read, write, idle time.Duration
}{read: 15 * time.Second, write: 2 * time.Minute, idle: 60 * time.Second}
