package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"videoflix/internal/observability/metrics"
)

// Handler executes one job. *Runner is the production implementation.
type Handler interface {
	Run(ctx context.Context, job Job) error
}

type PoolConfig struct {
	Queue   Queue
	Handler Handler
	Workers int
	// Timeout bounds a single job, encoder included.
	Timeout time.Duration
	// DepthInterval controls how often queue depth is sampled into metrics.
	DepthInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Pool runs queued jobs on a fixed number of workers, one job per worker at
// a time.
type Pool struct {
	queue         Queue
	handler       Handler
	workers       int
	timeout       time.Duration
	depthInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder

	// ctx stops intake; jobCtx is the parent of every running job and is
	// canceled only once the drain deadline passes.
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc
	sub       Subscription
	wg        sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// DefaultJobTimeout bounds a job when PoolConfig.Timeout is unset.
const DefaultJobTimeout = 2 * time.Hour

const (
	defaultPoolWorkers   = 2
	defaultDepthInterval = 15 * time.Second
	ackTimeout           = 5 * time.Second
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("pool requires a queue")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("pool requires a handler")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	depthInterval := cfg.DepthInterval
	if depthInterval <= 0 {
		depthInterval = defaultDepthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Pool{
		queue:         cfg.Queue,
		handler:       cfg.Handler,
		workers:       workers,
		timeout:       timeout,
		depthInterval: depthInterval,
		logger:        logger,
		metrics:       recorder,
		ctx:           ctx,
		cancel:        cancel,
		jobCtx:        jobCtx,
		jobCancel:     jobCancel,
		inFlight:      make(map[string]struct{}),
	}, nil
}

// Start subscribes to the queue and launches the workers. Calling it more
// than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.sub = p.queue.Subscribe()
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.sampleDepth()
	p.logger.Info("worker pool started", "workers", p.workers, "job_timeout", p.timeout.String())
}

// Shutdown stops taking new jobs and lets running ones finish until ctx
// ends. Jobs that complete in that window are acknowledged as usual. When
// ctx ends first the remaining jobs are canceled, left unacknowledged so a
// durable queue delivers them again, and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.jobCancel()
		return nil
	case <-ctx.Done():
		p.jobCancel()
		p.logger.Warn("drain deadline reached, canceling running jobs", "in_flight", p.InFlight())
		return ctx.Err()
	}
}

func (p *Pool) worker(index int) {
	defer p.wg.Done()
	deliveries := p.sub.Deliveries()
	for {
		select {
		case <-p.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(index, delivery)
		}
	}
}

func (p *Pool) handle(index int, delivery Delivery) {
	job := delivery.Job
	if !p.beginWork(job.ID) {
		// The first delivery is still running and settles the job; this
		// copy is acknowledged so it does not stay pending.
		p.logger.Warn("duplicate delivery dropped", "job_id", job.ID)
		p.ack(delivery)
		return
	}
	defer p.finishWork(job.ID)

	ctx, cancel := context.WithTimeout(p.jobCtx, p.timeout)
	err := p.safeRun(ctx, job)
	cancel()

	if p.jobCtx.Err() != nil {
		p.logger.Info("job interrupted by shutdown", "job_id", job.ID, "worker", index)
		return
	}
	if err != nil {
		p.logger.Debug("job ended with error", "job_id", job.ID, "worker", index, "error", err)
	}
	p.ack(delivery)
}

func (p *Pool) ack(delivery Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := delivery.Ack(ctx); err != nil {
		p.logger.Warn("job ack failed", "job_id", delivery.Job.ID, "error", err)
	}
}

// safeRun keeps a panicking handler from taking down its worker.
func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("job panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return p.handler.Run(ctx, job)
}

func (p *Pool) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// InFlight reports how many jobs are running right now.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Pool) sampleDepth() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.depthInterval)
	defer ticker.Stop()
	for {
		p.recordDepth()
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) recordDepth() {
	ctx, cancel := context.WithTimeout(p.ctx, ackTimeout)
	defer cancel()
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Debug("queue depth unavailable", "error", err)
		}
		return
	}
	p.metrics.SetQueueDepth(int(depth))
}
