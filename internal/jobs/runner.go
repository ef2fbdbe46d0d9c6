package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"videoflix/internal/encoder"
	"videoflix/internal/media"
	"videoflix/internal/models"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/storage"
)

var (
	// ErrAssetNotFound means the asset was deleted between dispatch and
	// execution. It is terminal for the job.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrNoSource means the asset has no original upload to encode.
	ErrNoSource = errors.New("asset has no source file")
)

// RunnerConfig wires a Runner to its collaborators.
type RunnerConfig struct {
	Store    storage.Repository
	Resolver *media.Resolver
	Encoder  encoder.Encoder
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Runner executes thumbnail, transcode and HLS jobs. Each task writes only
// its own record field or its own directory, so tasks for one asset may run
// in any order and in parallel.
type Runner struct {
	store    storage.Repository
	resolver *media.Resolver
	encoder  encoder.Encoder
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner requires a store")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("runner requires a media resolver")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("runner requires an encoder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Runner{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		encoder:  cfg.Encoder,
		logger:   logger,
		metrics:  recorder,
	}, nil
}

// Run executes job and records its outcome. The returned error is for the
// caller's logs only; jobs are never retried.
func (r *Runner) Run(ctx context.Context, job Job) error {
	r.metrics.JobStarted()
	if err := job.Validate(); err != nil {
		r.logger.Error("rejected job", "job_id", job.ID, "error", err)
		r.metrics.JobFinished(string(job.Kind), metrics.JobFailed, 0)
		return err
	}

	ctx = logging.ContextWithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, r.logger).With("kind", string(job.Kind), "asset_id", job.AssetID)
	if job.Kind.perTier() {
		logger = logger.With("resolution", job.Resolution.Label())
	}

	started := time.Now()
	var err error
	switch job.Kind {
	case KindThumbnail:
		err = r.thumbnail(ctx, logger, job)
	case KindTranscode:
		err = r.transcode(ctx, logger, job)
	case KindHLS:
		err = r.packageHLS(ctx, logger, job)
	}
	elapsed := time.Since(started)

	status := metrics.JobSucceeded
	switch {
	case err == nil:
		logger.Info("job finished", "duration_ms", elapsed.Milliseconds())
	case errors.Is(err, ErrAssetNotFound):
		status = metrics.JobNotFound
		logger.Warn("job skipped, asset no longer exists")
	default:
		status = metrics.JobFailed
		logger.Error("job failed", "error", err, "duration_ms", elapsed.Milliseconds())
	}
	r.metrics.JobFinished(string(job.Kind), status, elapsed)
	return err
}

// Transcode renders one MP4 tier and records its reference.
func (r *Runner) Transcode(ctx context.Context, assetID int64, res models.Resolution) error {
	return r.Run(ctx, NewTranscodeJob(assetID, res))
}

// Thumbnail extracts the poster frame and records its reference.
func (r *Runner) Thumbnail(ctx context.Context, assetID int64) error {
	return r.Run(ctx, NewThumbnailJob(assetID))
}

// PackageHLS segments one tier into hls/{id}/{res}p. Nothing is recorded on
// the asset; playback discovers the playlist on disk.
func (r *Runner) PackageHLS(ctx context.Context, assetID int64, res models.Resolution) error {
	return r.Run(ctx, NewHLSJob(assetID, res))
}

// loadSource fetches the current record and resolves its source file.
func (r *Runner) loadSource(ctx context.Context, assetID int64) (models.Asset, string, error) {
	asset, err := r.store.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Asset{}, "", fmt.Errorf("%w: %d", ErrAssetNotFound, assetID)
		}
		return models.Asset{}, "", fmt.Errorf("load asset: %w", err)
	}
	if !asset.HasSource() {
		return models.Asset{}, "", ErrNoSource
	}
	source, err := r.resolver.Source(asset.VideoFile)
	if err != nil {
		return models.Asset{}, "", err
	}
	if _, err := os.Stat(source); err != nil {
		return models.Asset{}, "", fmt.Errorf("source file: %w", err)
	}
	return asset, source, nil
}

func (r *Runner) transcode(ctx context.Context, logger *slog.Logger, job Job) error {
	asset, source, err := r.loadSource(ctx, job.AssetID)
	if err != nil {
		return err
	}
	output := r.resolver.Rendition(asset.VideoFile, job.Resolution)
	err = r.encodeFile(ctx, logger, job, output, func(target string) []string {
		return encoder.TranscodeArgs(source, target, job.Resolution)
	})
	if err != nil {
		return err
	}
	previous, err := r.store.SetRendition(ctx, job.AssetID, job.Resolution, output.Rel)
	if err != nil {
		return r.recordError(err, output.Abs)
	}
	r.removeSuperseded(logger, previous, output.Rel)
	logger.Info("rendition recorded", "ref", output.Rel)
	return nil
}

func (r *Runner) thumbnail(ctx context.Context, logger *slog.Logger, job Job) error {
	asset, source, err := r.loadSource(ctx, job.AssetID)
	if err != nil {
		return err
	}
	output := r.resolver.Thumbnail(asset.VideoFile)
	err = r.encodeFile(ctx, logger, job, output, func(target string) []string {
		return encoder.ThumbnailArgs(source, target)
	})
	if err != nil {
		return err
	}
	previous, err := r.store.SetThumbnail(ctx, job.AssetID, output.Rel)
	if err != nil {
		return r.recordError(err, output.Abs)
	}
	r.removeSuperseded(logger, previous, output.Rel)
	logger.Info("thumbnail recorded", "ref", output.Rel)
	return nil
}

func (r *Runner) packageHLS(ctx context.Context, logger *slog.Logger, job Job) error {
	asset, source, err := r.loadSource(ctx, job.AssetID)
	if err != nil {
		return err
	}
	layout := r.resolver.HLS(job.AssetID, job.Resolution, asset.VideoFile)
	if err := media.PrepareDir(layout.Dir); err != nil {
		return err
	}
	if err := removeStaleSegments(layout); err != nil {
		return err
	}
	if err := r.encode(ctx, logger, job, encoder.HLSArgs(source, layout.Playlist.Abs, layout.SegmentPattern, job.Resolution)); err != nil {
		return err
	}
	if _, err := r.store.GetAsset(ctx, job.AssetID); errors.Is(err, storage.ErrNotFound) {
		return r.recordError(err, layout.Dir.Abs)
	}
	logger.Info("hls packaged", "playlist", layout.Playlist.Rel)
	return nil
}

// encodeFile encodes into a partial sibling of output and renames it into
// place only once the encoder succeeds, so a failed run never replaces a
// file the record already points at.
func (r *Runner) encodeFile(ctx context.Context, logger *slog.Logger, job Job, output media.Artifact, args func(target string) []string) error {
	if err := media.Prepare(output); err != nil {
		return err
	}
	partial := media.Partial(output)
	if err := r.encode(ctx, logger, job, args(partial.Abs)); err != nil {
		discardPartial(logger, partial)
		return err
	}
	if err := os.Rename(partial.Abs, output.Abs); err != nil {
		discardPartial(logger, partial)
		return fmt.Errorf("move %s into place: %w", output.Rel, err)
	}
	return nil
}

func discardPartial(logger *slog.Logger, partial media.Artifact) {
	if err := os.Remove(partial.Abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial output", "path", partial.Rel, "error", err)
	}
}

// removeSuperseded deletes the file a record pointed at before current
// replaced it. This happens when a replaced source changes the base name.
func (r *Runner) removeSuperseded(logger *slog.Logger, previous, current string) {
	if previous == "" || previous == current {
		return
	}
	abs, err := r.resolver.Source(previous)
	if err != nil {
		logger.Warn("not removing superseded artifact", "path", previous, "error", err)
		return
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove superseded artifact", "path", previous, "error", err)
		return
	}
	logger.Info("removed superseded artifact", "path", previous)
}

func (r *Runner) encode(ctx context.Context, logger *slog.Logger, job Job, args []string) error {
	result := r.encoder.Encode(ctx, encoder.Invocation{Label: job.Label(), Args: args})
	if result.OK() {
		return nil
	}
	if result.Status == encoder.NotFound {
		logger.Error("encoder binary is not installed", "error", result.Err)
	}
	return fmt.Errorf("%s: %w", job.Label(), result.Error())
}

// recordError maps a store failure after a successful encode. When the asset
// was deleted while the encoder ran, cleanup has already happened, so the
// fresh output is removed here.
func (r *Runner) recordError(err error, output string) error {
	if errors.Is(err, storage.ErrNotFound) {
		if rmErr := os.RemoveAll(output); rmErr != nil {
			r.logger.Warn("failed to remove orphaned output", "path", output, "error", rmErr)
		}
		return fmt.Errorf("%w: deleted during encode", ErrAssetNotFound)
	}
	return fmt.Errorf("record artifact: %w", err)
}

// removeStaleSegments deletes the playlist and segments left in a tier
// directory by an earlier, possibly partial, run.
func removeStaleSegments(layout media.HLSLayout) error {
	entries, err := os.ReadDir(layout.Dir.Abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", layout.Dir.Rel, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name != media.PlaylistName && !strings.HasSuffix(name, media.SegmentExt) {
			continue
		}
		if err := os.Remove(filepath.Join(layout.Dir.Abs, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", name, err)
		}
	}
	return nil
}
