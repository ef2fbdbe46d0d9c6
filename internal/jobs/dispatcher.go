package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"videoflix/internal/models"
	"videoflix/internal/observability/metrics"
)

// Dispatcher turns asset events into queued jobs.
type Dispatcher struct {
	queue   Queue
	tiers   []models.Resolution
	logger  *slog.Logger
	metrics *metrics.Recorder
}

type DispatcherConfig struct {
	Queue Queue
	// Tiers defaults to models.Tiers.
	Tiers   []models.Resolution
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("dispatcher requires a queue")
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = models.Tiers
	}
	for _, res := range tiers {
		if !res.Valid() {
			return nil, fmt.Errorf("unsupported resolution %s", res)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Dispatcher{
		queue:   cfg.Queue,
		tiers:   append([]models.Resolution(nil), tiers...),
		logger:  logger,
		metrics: recorder,
	}, nil
}

// Plan returns the jobs a newly created asset needs: one thumbnail plus one
// transcode and one HLS job per tier. An asset without a source needs none.
func (d *Dispatcher) Plan(asset models.Asset) []Job {
	if !asset.HasSource() {
		return nil
	}
	planned := make([]Job, 0, 1+2*len(d.tiers))
	planned = append(planned, NewThumbnailJob(asset.ID))
	for _, res := range d.tiers {
		planned = append(planned, NewTranscodeJob(asset.ID, res))
	}
	for _, res := range d.tiers {
		planned = append(planned, NewHLSJob(asset.ID, res))
	}
	return planned
}

// AssetCreated enqueues the full job set for a new asset in one batch and
// returns as soon as the queue has recorded it. An asset without a source is
// a silent no-op.
func (d *Dispatcher) AssetCreated(ctx context.Context, asset models.Asset) ([]Job, error) {
	planned := d.Plan(asset)
	if len(planned) == 0 {
		return nil, nil
	}
	if err := d.submit(ctx, planned...); err != nil {
		return nil, err
	}
	d.logger.Info("asset jobs dispatched", "asset_id", asset.ID, "jobs", len(planned))
	return planned, nil
}

// SourceReplaced re-runs the full fan-out after an asset's source file
// changed. Existing artifacts are overwritten as the new jobs finish.
func (d *Dispatcher) SourceReplaced(ctx context.Context, asset models.Asset) ([]Job, error) {
	planned := d.Plan(asset)
	if len(planned) == 0 {
		return nil, nil
	}
	if err := d.submit(ctx, planned...); err != nil {
		return nil, err
	}
	d.logger.Info("asset jobs re-dispatched after source change", "asset_id", asset.ID, "jobs", len(planned))
	return planned, nil
}

func (d *Dispatcher) EnqueueThumbnail(ctx context.Context, assetID int64) (Job, error) {
	job := NewThumbnailJob(assetID)
	return job, d.submit(ctx, job)
}

func (d *Dispatcher) EnqueueTranscode(ctx context.Context, assetID int64, res models.Resolution) (Job, error) {
	job := NewTranscodeJob(assetID, res)
	return job, d.submit(ctx, job)
}

func (d *Dispatcher) EnqueueHLS(ctx context.Context, assetID int64, res models.Resolution) (Job, error) {
	job := NewHLSJob(assetID, res)
	return job, d.submit(ctx, job)
}

func (d *Dispatcher) submit(ctx context.Context, batch ...Job) error {
	if err := d.queue.Enqueue(ctx, batch...); err != nil {
		return fmt.Errorf("enqueue jobs: %w", err)
	}
	counts := make(map[Kind]int, len(Kinds))
	for _, job := range batch {
		counts[job.Kind]++
	}
	for kind, count := range counts {
		d.metrics.ObserveDispatch(string(kind), count)
	}
	return nil
}
