package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"videoflix/internal/models"
)

type repositoryFactory func(t *testing.T, opts ...Option) (Repository, func())

// runRepositoryScenarios exercises behaviour every backend must share.
func runRepositoryScenarios(t *testing.T, factory repositoryFactory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()

		created, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "  Movie ", Description: "desc", Category: "drama", VideoFile: "videos/movie.mp4"})
		if err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		if created.ID == 0 || created.Title != "Movie" {
			t.Fatalf("unexpected asset %+v", created)
		}
		if created.CreatedAt.IsZero() {
			t.Fatalf("expected created_at to be stamped")
		}

		fetched, err := repo.GetAsset(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if fetched.VideoFile != "videos/movie.mp4" || fetched.Category != "drama" {
			t.Fatalf("unexpected fetched asset %+v", fetched)
		}
	})

	t.Run("RejectsBlankTitle", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		if _, err := repo.CreateAsset(context.Background(), CreateAssetParams{Title: "  "}); err == nil {
			t.Fatalf("expected error for blank title")
		}
	})

	t.Run("MissingAsset", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()

		if _, err := repo.GetAsset(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetAsset: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.DeleteAsset(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("DeleteAsset: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.SetThumbnail(ctx, 999, "thumbnails/x.jpg"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetThumbnail: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.SetRendition(ctx, 999, models.Resolution480p, "videos/480p/x.mp4"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetRendition: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		seed := []struct {
			title  string
			offset time.Duration
		}{
			{"old", 0},
			{"new", 2 * time.Hour},
			{"middle", time.Hour},
		}
		for _, s := range seed {
			if _, err := repo.CreateAsset(ctx, CreateAssetParams{Title: s.title, CreatedAt: base.Add(s.offset)}); err != nil {
				t.Fatalf("CreateAsset(%s): %v", s.title, err)
			}
		}
		assets, err := repo.ListAssets(ctx)
		if err != nil {
			t.Fatalf("ListAssets: %v", err)
		}
		if len(assets) != 3 {
			t.Fatalf("expected 3 assets, got %d", len(assets))
		}
		if assets[0].Title != "new" || assets[1].Title != "middle" || assets[2].Title != "old" {
			t.Fatalf("unexpected order %q %q %q", assets[0].Title, assets[1].Title, assets[2].Title)
		}
	})

	t.Run("DeleteReturnsDetachedRecord", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()

		created, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "gone", VideoFile: "videos/gone.mp4"})
		if err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		if _, err := repo.SetThumbnail(ctx, created.ID, "thumbnails/gone_thumbnail.jpg"); err != nil {
			t.Fatalf("SetThumbnail: %v", err)
		}
		deleted, err := repo.DeleteAsset(ctx, created.ID)
		if err != nil {
			t.Fatalf("DeleteAsset: %v", err)
		}
		if deleted.Thumbnail != "thumbnails/gone_thumbnail.jpg" || deleted.VideoFile != "videos/gone.mp4" {
			t.Fatalf("expected deleted record to carry file references, got %+v", deleted)
		}
		if _, err := repo.GetAsset(ctx, created.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected asset to be gone, got %v", err)
		}
	})

	t.Run("SettersReturnPrevious", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()

		created, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "swap", VideoFile: "videos/a.mp4"})
		if err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		previous, err := repo.SetSource(ctx, created.ID, "videos/b.mp4")
		if err != nil {
			t.Fatalf("SetSource: %v", err)
		}
		if previous != "videos/a.mp4" {
			t.Fatalf("expected previous source, got %q", previous)
		}
		fetched, _ := repo.GetAsset(ctx, created.ID)
		if fetched.VideoFile != "videos/b.mp4" {
			t.Fatalf("expected new source, got %q", fetched.VideoFile)
		}

		if previous, err := repo.SetRendition(ctx, created.ID, models.Resolution720p, "videos/720p/a_720p.mp4"); err != nil || previous != "" {
			t.Fatalf("first SetRendition: previous=%q err=%v", previous, err)
		}
		if previous, err := repo.SetRendition(ctx, created.ID, models.Resolution720p, "videos/720p/b_720p.mp4"); err != nil || previous != "videos/720p/a_720p.mp4" {
			t.Fatalf("second SetRendition: previous=%q err=%v", previous, err)
		}
		if previous, err := repo.SetThumbnail(ctx, created.ID, "thumbnails/a_thumbnail.jpg"); err != nil || previous != "" {
			t.Fatalf("first SetThumbnail: previous=%q err=%v", previous, err)
		}
		if previous, err := repo.SetThumbnail(ctx, created.ID, "thumbnails/b_thumbnail.jpg"); err != nil || previous != "thumbnails/a_thumbnail.jpg" {
			t.Fatalf("second SetThumbnail: previous=%q err=%v", previous, err)
		}
	})

	t.Run("ConcurrentFieldUpdatesDoNotOverwrite", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()

		created, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "movie", VideoFile: "videos/movie.mp4"})
		if err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(models.Tiers)+1)
		for _, res := range models.Tiers {
			res := res
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.SetRendition(ctx, created.ID, res, "videos/"+res.Label()+"/movie_"+res.Label()+".mp4")
				errs <- err
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.SetThumbnail(ctx, created.ID, "thumbnails/movie_thumbnail.jpg")
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("update: %v", err)
			}
		}

		fetched, err := repo.GetAsset(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if fetched.Video480p != "videos/480p/movie_480p.mp4" ||
			fetched.Video720p != "videos/720p/movie_720p.mp4" ||
			fetched.Video1080p != "videos/1080p/movie_1080p.mp4" ||
			fetched.Thumbnail != "thumbnails/movie_thumbnail.jpg" {
			t.Fatalf("expected every field to survive concurrent updates, got %+v", fetched)
		}
		if fetched.Title != "movie" || fetched.VideoFile != "videos/movie.mp4" {
			t.Fatalf("unrelated fields changed: %+v", fetched)
		}
	})

	t.Run("UnsupportedResolution", func(t *testing.T) {
		repo, cleanup := factory(t)
		defer cleanup()
		ctx := context.Background()
		created, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "x"})
		if err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		if _, err := repo.SetRendition(ctx, created.ID, models.Resolution(360), "videos/360p/x.mp4"); !errors.Is(err, ErrUnsupportedResolution) {
			t.Fatalf("expected ErrUnsupportedResolution, got %v", err)
		}
	})
}
