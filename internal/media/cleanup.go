package media

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"videoflix/internal/models"
)

// CleanupReport summarises one cleanup run. Missing files are not failures.
type CleanupReport struct {
	Removed    []string
	Missing    []string
	Failed     []string
	HLSRemoved bool
}

// Cleaner removes every file derived from a deleted asset.
type Cleaner struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewCleaner constructs a Cleaner; a nil logger falls back to slog.Default.
func NewCleaner(resolver *Resolver, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{resolver: resolver, logger: logger}
}

// Cleanup deletes the files referenced by the detached record and then the
// whole hls/{id} tree. It never consults the datastore and never fails: every
// problem is logged and reflected in the report.
func (c *Cleaner) Cleanup(ctx context.Context, asset models.Asset) CleanupReport {
	var (
		report CleanupReport
		mu     sync.Mutex
	)
	logger := c.logger.With("asset_id", asset.ID)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, ref := range asset.FileReferences() {
		ref := ref
		group.Go(func() error {
			outcome := removeFailed
			if err := groupCtx.Err(); err != nil {
				logger.Warn("cleanup cancelled before removing file", "path", ref, "error", err)
			} else {
				outcome = c.removeFile(logger, ref)
			}
			mu.Lock()
			switch outcome {
			case removeOK:
				report.Removed = append(report.Removed, ref)
			case removeMissing:
				report.Missing = append(report.Missing, ref)
			default:
				report.Failed = append(report.Failed, ref)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	hlsRoot := c.resolver.HLSRoot(asset.ID)
	if _, err := os.Stat(hlsRoot.Abs); err == nil {
		if err := os.RemoveAll(hlsRoot.Abs); err != nil {
			logger.Error("failed to remove hls directory", "path", hlsRoot.Rel, "error", err)
			report.Failed = append(report.Failed, hlsRoot.Rel)
		} else {
			report.HLSRemoved = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to inspect hls directory", "path", hlsRoot.Rel, "error", err)
		report.Failed = append(report.Failed, hlsRoot.Rel)
	}

	logger.Info("asset files cleaned up",
		"removed", len(report.Removed),
		"missing", len(report.Missing),
		"failed", len(report.Failed),
		"hls_removed", report.HLSRemoved)
	return report
}

type removeOutcome int

const (
	removeOK removeOutcome = iota
	removeMissing
	removeFailed
)

func (c *Cleaner) removeFile(logger *slog.Logger, ref string) removeOutcome {
	abs, err := c.resolver.Source(ref)
	if err != nil {
		logger.Error("refusing to remove file outside media root", "path", ref, "error", err)
		return removeFailed
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("file already missing", "path", ref)
			return removeMissing
		}
		logger.Error("failed to remove file", "path", ref, "error", err)
		return removeFailed
	}
	return removeOK
}
