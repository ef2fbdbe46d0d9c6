package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"videoflix/internal/models"
)

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func()) {
	t.Helper()
	repo, err := NewJSONRepository(filepath.Join(t.TempDir(), "assets.json"), opts...)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	return repo, func() {}
}

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, jsonRepositoryFactory)
}

func TestMemoryRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, func(t *testing.T, opts ...Option) (Repository, func()) {
		return NewMemoryRepository(opts...), func() {}
	})
}

func TestJSONRepositoryReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "assets.json")
	ctx := context.Background()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	repo, err := NewJSONRepository(path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	first, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "first", VideoFile: "videos/first.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if !first.CreatedAt.Equal(fixed) {
		t.Fatalf("expected injected clock, got %s", first.CreatedAt)
	}
	if _, err := repo.SetRendition(ctx, first.ID, models.Resolution720p, "videos/720p/first_720p.mp4"); err != nil {
		t.Fatalf("SetRendition: %v", err)
	}

	reopened, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, err := reopened.GetAsset(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAsset after reload: %v", err)
	}
	if loaded.Video720p != "videos/720p/first_720p.mp4" {
		t.Fatalf("expected persisted rendition, got %+v", loaded)
	}

	second, err := reopened.CreateAsset(ctx, CreateAssetParams{Title: "second"})
	if err != nil {
		t.Fatalf("CreateAsset after reload: %v", err)
	}
	if second.ID != first.ID+1 {
		t.Fatalf("expected id counter to survive reload, got %d", second.ID)
	}
}

func TestJSONRepositoryEmptyFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	repo, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	assets, err := repo.ListAssets(context.Background())
	if err != nil || len(assets) != 0 {
		t.Fatalf("expected empty catalogue, got %v (%v)", assets, err)
	}
}

func TestJSONRepositoryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewJSONRepository(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestJSONRepositoryRollsBackOnPersistFailure(t *testing.T) {
	repo := newJSONRepository("")
	repo.data = newDataset()
	ctx := context.Background()

	asset, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "keep", VideoFile: "videos/keep.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	boom := errors.New("disk full")
	repo.persistOverride = func(dataset) error { return boom }

	if _, err := repo.SetThumbnail(ctx, asset.ID, "thumbnails/keep_thumbnail.jpg"); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if _, err := repo.DeleteAsset(ctx, asset.ID); !errors.Is(err, boom) {
		t.Fatalf("expected persist error on delete, got %v", err)
	}
	if _, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "lost"}); !errors.Is(err, boom) {
		t.Fatalf("expected persist error on create, got %v", err)
	}

	repo.persistOverride = nil
	stored, err := repo.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("asset should survive failed delete: %v", err)
	}
	if stored.Thumbnail != "" {
		t.Fatalf("failed update leaked into memory: %+v", stored)
	}
	next, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "next"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if next.ID != asset.ID+1 {
		t.Fatalf("failed create consumed an id: got %d", next.ID)
	}
}

func TestJSONRepositoryHonoursCancelledContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.CreateAsset(ctx, CreateAssetParams{Title: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := repo.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Ping to report cancellation, got %v", err)
	}
}

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.json")
	ctx := context.Background()
	repo, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	a, _ := repo.CreateAsset(ctx, CreateAssetParams{Title: "a", VideoFile: "videos/a.mp4"})
	b, _ := repo.CreateAsset(ctx, CreateAssetParams{Title: "b"})
	_, _ = repo.SetRendition(ctx, a.ID, models.Resolution480p, "videos/480p/a_480p.mp4")
	_, _ = repo.SetRendition(ctx, a.ID, models.Resolution1080p, "videos/1080p/a_1080p.mp4")
	_, _ = repo.SetThumbnail(ctx, b.ID, "thumbnails/b_thumbnail.jpg")

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	if len(snapshot.Assets) != 2 || snapshot.Assets[0].ID != a.ID || snapshot.Assets[1].ID != b.ID {
		t.Fatalf("expected assets sorted by id, got %+v", snapshot.Assets)
	}
	if snapshot.NextID != b.ID+1 {
		t.Fatalf("unexpected next id %d", snapshot.NextID)
	}
	counts := snapshot.Counts()
	if counts.Assets != 2 || counts.Renditions != 2 || counts.Thumbnails != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := SplitSQLStatements(Schema)
	if len(statements) < 4 {
		t.Fatalf("expected schema to contain table and index statements, got %d", len(statements))
	}
	for _, stmt := range statements {
		if stmt == "" {
			t.Fatalf("blank statement in %v", statements)
		}
	}
	got := SplitSQLStatements("-- comment\nSELECT 1;\n\n;SELECT 2")
	if len(got) != 2 || got[0] != "SELECT 1" || got[1] != "SELECT 2" {
		t.Fatalf("unexpected split %q", got)
	}
}
