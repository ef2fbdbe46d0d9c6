package storage

import (
	"context"
	"errors"
	"time"

	"videoflix/internal/models"
)

var (
	// ErrNotFound is returned when no asset has the requested id.
	ErrNotFound = errors.New("asset not found")
	// ErrUnsupportedResolution is returned for tiers without a rendition column.
	ErrUnsupportedResolution = errors.New("unsupported resolution")
)

// CreateAssetParams holds the fields supplied when an asset is uploaded.
// VideoFile may be empty for records created without a source.
type CreateAssetParams struct {
	Title       string
	Description string
	Category    string
	VideoFile   string
	CreatedAt   time.Time
}

// Repository persists assets. Every Set* method writes exactly one field so
// concurrent tasks for the same asset never overwrite each other.
type Repository interface {
	Ping(ctx context.Context) error

	CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error)
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)
	// DeleteAsset removes the record and returns the copy that was stored.
	DeleteAsset(ctx context.Context, id int64) (models.Asset, error)

	// SetRendition, SetThumbnail and SetSource replace one reference and
	// return the value it held before, empty when it was unset.
	SetRendition(ctx context.Context, id int64, res models.Resolution, ref string) (string, error)
	SetThumbnail(ctx context.Context, id int64, ref string) (string, error)
	SetSource(ctx context.Context, id int64, ref string) (string, error)

	Close(ctx context.Context) error
}
