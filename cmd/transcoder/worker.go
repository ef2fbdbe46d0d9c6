package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"videoflix/internal/encoder"
	"videoflix/internal/jobs"
	"videoflix/internal/media"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/serverutil"
	"videoflix/internal/storage"
)

type workerConfig struct {
	Store      storage.Repository
	Queue      jobs.Queue
	MediaRoot  string
	Encoder    encoder.Encoder
	Workers    int
	JobTimeout time.Duration
	StatusAddr string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// worker ties the job pool to its status listener.
type worker struct {
	store    storage.Repository
	queue    jobs.Queue
	pool     *jobs.Pool
	recorder *metrics.Recorder
	logger   *slog.Logger
	status   *http.Server
}

func newWorker(cfg workerConfig) (*worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	resolver, err := media.NewResolver(cfg.MediaRoot)
	if err != nil {
		return nil, err
	}
	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Store:    cfg.Store,
		Resolver: resolver,
		Encoder:  cfg.Encoder,
		Logger:   logging.WithComponent(logger, "runner"),
		Metrics:  recorder,
	})
	if err != nil {
		return nil, err
	}
	pool, err := jobs.NewPool(jobs.PoolConfig{
		Queue:   cfg.Queue,
		Handler: runner,
		Workers: cfg.Workers,
		Timeout: cfg.JobTimeout,
		Logger:  logging.WithComponent(logger, "workers"),
		Metrics: recorder,
	})
	if err != nil {
		return nil, err
	}
	w := &worker{
		store:    cfg.Store,
		queue:    cfg.Queue,
		pool:     pool,
		recorder: recorder,
		logger:   logger,
	}
	w.status = &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           w.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return w, nil
}

// Run processes jobs until ctx ends. Running jobs then get up to drain to
// finish before they are canceled.
func (w *worker) Run(ctx context.Context, drain time.Duration) error {
	w.pool.Start()
	<-ctx.Done()
	w.logger.Info("draining worker pool", "in_flight", w.pool.InFlight())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := w.pool.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain worker pool: %w", err)
	}
	return nil
}

func (w *worker) ServeStatus(ctx context.Context, onReady func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:  w.status,
		Name:    "status",
		Logger:  w.logger,
		OnReady: onReady,
	})
}

func (w *worker) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", w.handleHealth)
	r.Method(http.MethodGet, "/metrics", w.recorder.Handler())
	return r
}

type healthReport struct {
	Status     string `json:"status"`
	Datastore  string `json:"datastore"`
	Queue      string `json:"queue"`
	QueueDepth int64  `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
}

func (w *worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Datastore: "ok", Queue: "ok", InFlight: w.pool.InFlight()}
	code := http.StatusOK
	if err := w.store.Ping(r.Context()); err != nil {
		report.Status, report.Datastore = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	depth, err := w.queue.Depth(r.Context())
	if err != nil {
		report.Status, report.Queue = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	} else {
		report.QueueDepth = depth
		w.recorder.SetQueueDepth(int(depth))
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(report); err != nil {
		w.logger.Warn("failed to write health report", "error", err)
	}
}
