package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"videoflix/internal/models"
)

type dataset struct {
	NextID int64                  `json:"next_id"`
	Assets map[int64]models.Asset `json:"assets"`
}

func newDataset() dataset {
	return dataset{NextID: 1, Assets: make(map[int64]models.Asset)}
}

// jsonRepository keeps every asset in memory and, when a file path is set,
// rewrites the whole dataset atomically after each mutation.
type jsonRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time

	// persistOverride lets tests intercept or fail persist operations.
	persistOverride func(dataset) error
}

// NewMemoryRepository returns a repository that never touches disk.
func NewMemoryRepository(opts ...Option) Repository {
	repo := newJSONRepository("", opts...)
	repo.data = newDataset()
	return repo
}

// NewJSONRepository opens, or creates on first write, the JSON datastore at
// path.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json store path required")
	}
	repo := newJSONRepository(path, opts...)
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func newJSONRepository(path string, opts ...Option) *jsonRepository {
	repo := &jsonRepository{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(repo)
		}
	}
	return repo
}

func (r *jsonRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		r.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			r.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	r.data = normalizeDataset(data)
	return nil
}

// normalizeDataset repairs maps and the id counter of a decoded file so the
// next id is always above every stored one.
func normalizeDataset(data dataset) dataset {
	if data.Assets == nil {
		data.Assets = make(map[int64]models.Asset)
	}
	if data.NextID < 1 {
		data.NextID = 1
	}
	for id := range data.Assets {
		if id >= data.NextID {
			data.NextID = id + 1
		}
	}
	return data
}

func (r *jsonRepository) persist(data dataset) error {
	if r.persistOverride != nil {
		if err := r.persistOverride(data); err != nil {
			return err
		}
	}
	if r.filePath == "" {
		return nil
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "assets-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (r *jsonRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *jsonRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Asset{}, fmt.Errorf("title is required")
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	asset := models.Asset{
		ID:          r.data.NextID,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Category:    strings.TrimSpace(params.Category),
		CreatedAt:   createdAt.UTC(),
		VideoFile:   params.VideoFile,
	}
	r.data.Assets[asset.ID] = asset
	r.data.NextID++
	if err := r.persist(r.data); err != nil {
		delete(r.data.Assets, asset.ID)
		r.data.NextID--
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *jsonRepository) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.data.Assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	return asset, nil
}

// ListAssets returns every asset, newest first.
func (r *jsonRepository) ListAssets(ctx context.Context) ([]models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	assets := make([]models.Asset, 0, len(r.data.Assets))
	for _, asset := range r.data.Assets {
		assets = append(assets, asset)
	}
	r.mu.RUnlock()

	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID > assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	return assets, nil
}

func (r *jsonRepository) DeleteAsset(ctx context.Context, id int64) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.data.Assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	delete(r.data.Assets, id)
	if err := r.persist(r.data); err != nil {
		r.data.Assets[id] = asset
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *jsonRepository) SetRendition(ctx context.Context, id int64, res models.Resolution, ref string) (string, error) {
	if _, ok := models.RenditionColumn(res); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedResolution, res)
	}
	return r.updateField(ctx, id, func(a *models.Asset) string {
		previous := a.Rendition(res)
		a.SetRendition(res, ref)
		return previous
	})
}

func (r *jsonRepository) SetThumbnail(ctx context.Context, id int64, ref string) (string, error) {
	return r.updateField(ctx, id, func(a *models.Asset) string {
		previous := a.Thumbnail
		a.Thumbnail = ref
		return previous
	})
}

func (r *jsonRepository) SetSource(ctx context.Context, id int64, ref string) (string, error) {
	return r.updateField(ctx, id, func(a *models.Asset) string {
		previous := a.VideoFile
		a.VideoFile = ref
		return previous
	})
}

// updateField applies a single-field mutation to the stored record and
// returns whatever the mutation reports as the previous value. The in-memory
// record is restored if persisting fails.
func (r *jsonRepository) updateField(ctx context.Context, id int64, mutate func(*models.Asset) string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	original, ok := r.data.Assets[id]
	if !ok {
		return "", ErrNotFound
	}
	updated := original
	previous := mutate(&updated)
	r.data.Assets[id] = updated
	if err := r.persist(r.data); err != nil {
		r.data.Assets[id] = original
		return "", err
	}
	return previous, nil
}

func (r *jsonRepository) Close(context.Context) error {
	return nil
}
