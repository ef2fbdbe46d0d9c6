// Package catalog owns the asset lifecycle: it stores uploads, writes the
// record and publishes the events that start or clean up media work.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"videoflix/internal/jobs"
	"videoflix/internal/media"
	"videoflix/internal/models"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/storage"
)

// ErrInvalidUpload is returned for uploads missing a title or a usable file.
var ErrInvalidUpload = errors.New("invalid upload")

// Publisher receives asset lifecycle events. *jobs.Dispatcher implements it.
type Publisher interface {
	AssetCreated(ctx context.Context, asset models.Asset) ([]jobs.Job, error)
	SourceReplaced(ctx context.Context, asset models.Asset) ([]jobs.Job, error)
}

// Upload is a source file as received from a client.
type Upload struct {
	Filename string
	Content  io.Reader
}

type CreateParams struct {
	Title       string
	Description string
	Category    string
	// Upload is optional; an asset without a source is stored but never
	// processed.
	Upload *Upload
}

type Config struct {
	Store     storage.Repository
	Resolver  *media.Resolver
	Publisher Publisher
	Cleaner   *media.Cleaner
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// RetranscodeOnReplace re-runs every job when ReplaceSource swaps the
	// source file of an existing asset.
	RetranscodeOnReplace bool
}

type Service struct {
	store       storage.Repository
	resolver    *media.Resolver
	publisher   Publisher
	cleaner     *media.Cleaner
	logger      *slog.Logger
	metrics     *metrics.Recorder
	retranscode bool
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("catalog requires a store")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("catalog requires a media resolver")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("catalog requires a publisher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cleaner := cfg.Cleaner
	if cleaner == nil {
		cleaner = media.NewCleaner(cfg.Resolver, logger)
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Service{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		publisher:   cfg.Publisher,
		cleaner:     cleaner,
		logger:      logger,
		metrics:     recorder,
		retranscode: cfg.RetranscodeOnReplace,
	}, nil
}

func (s *Service) List(ctx context.Context) ([]models.Asset, error) {
	return s.store.ListAssets(ctx)
}

func (s *Service) Get(ctx context.Context, id int64) (models.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

// Create stores the upload under videos/, inserts the record and publishes
// the creation event. A failed publish is logged; the asset still exists.
func (s *Service) Create(ctx context.Context, params CreateParams) (models.Asset, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Asset{}, fmt.Errorf("%w: title is required", ErrInvalidUpload)
	}

	var source media.Artifact
	if params.Upload != nil {
		stored, err := s.saveUpload(params.Upload)
		if err != nil {
			return models.Asset{}, err
		}
		source = stored
	}

	asset, err := s.store.CreateAsset(ctx, storage.CreateAssetParams{
		Title:       title,
		Description: params.Description,
		Category:    params.Category,
		VideoFile:   source.Rel,
	})
	if err != nil {
		s.discard(source)
		return models.Asset{}, fmt.Errorf("create asset: %w", err)
	}
	s.logger.Info("asset created", "asset_id", asset.ID, "video_file", asset.VideoFile)

	if _, err := s.publisher.AssetCreated(ctx, asset); err != nil {
		s.logger.Error("failed to dispatch asset jobs", "asset_id", asset.ID, "error", err)
	}
	return asset, nil
}

// Delete removes the record and then every file derived from it.
func (s *Service) Delete(ctx context.Context, id int64) (media.CleanupReport, error) {
	asset, err := s.store.DeleteAsset(ctx, id)
	if err != nil {
		return media.CleanupReport{}, err
	}
	report := s.cleaner.Cleanup(context.WithoutCancel(ctx), asset)
	s.metrics.ObserveCleanup(len(report.Removed), len(report.Missing), len(report.Failed))
	s.logger.Info("asset deleted",
		"asset_id", asset.ID,
		"removed", len(report.Removed),
		"missing", len(report.Missing),
		"failed", len(report.Failed),
	)
	return report, nil
}

// ReplaceSource points an existing asset at a new upload and removes the old
// source file. Renditions derived from the old source stay referenced until
// re-transcoding records new ones; the runner deletes each superseded file
// as it records its replacement.
func (s *Service) ReplaceSource(ctx context.Context, id int64, upload Upload) (models.Asset, error) {
	if _, err := s.store.GetAsset(ctx, id); err != nil {
		return models.Asset{}, err
	}
	source, err := s.saveUpload(&upload)
	if err != nil {
		return models.Asset{}, err
	}
	previous, err := s.store.SetSource(ctx, id, source.Rel)
	if err != nil {
		s.discard(source)
		return models.Asset{}, err
	}
	if previous != "" && previous != source.Rel {
		if abs, err := s.resolver.Source(previous); err == nil {
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to remove replaced source", "asset_id", id, "path", previous, "error", err)
			}
		}
	}

	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return models.Asset{}, err
	}
	s.logger.Info("asset source replaced", "asset_id", id, "video_file", source.Rel, "previous", previous)
	if s.retranscode {
		if _, err := s.publisher.SourceReplaced(ctx, asset); err != nil {
			s.logger.Error("failed to dispatch jobs for replaced source", "asset_id", id, "error", err)
		}
	}
	return asset, nil
}

// saveUpload copies an upload to a free name under videos/.
func (s *Service) saveUpload(upload *Upload) (media.Artifact, error) {
	if upload.Content == nil {
		return media.Artifact{}, fmt.Errorf("%w: file content is required", ErrInvalidUpload)
	}
	target, err := s.resolver.AvailableUpload(upload.Filename)
	if err != nil {
		if errors.Is(err, media.ErrInvalidFilename) {
			return media.Artifact{}, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
		}
		return media.Artifact{}, err
	}
	if err := media.Prepare(target); err != nil {
		return media.Artifact{}, err
	}
	file, err := os.OpenFile(target.Abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return media.Artifact{}, fmt.Errorf("create %s: %w", target.Rel, err)
	}
	if _, err := io.Copy(file, upload.Content); err != nil {
		file.Close()
		s.discard(target)
		return media.Artifact{}, fmt.Errorf("write %s: %w", target.Rel, err)
	}
	if err := file.Close(); err != nil {
		s.discard(target)
		return media.Artifact{}, fmt.Errorf("close %s: %w", target.Rel, err)
	}
	return target, nil
}

func (s *Service) discard(a media.Artifact) {
	if a.Abs == "" {
		return
	}
	if err := os.Remove(a.Abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove stored upload", "path", a.Rel, "error", err)
	}
}
