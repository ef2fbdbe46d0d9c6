package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"videoflix/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const assetColumns = `id, title, description, category, created_at, video_file, video_480p, video_720p, video_1080p, thumbnail`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The schema must
// already be applied; see ApplySchema.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func newPoolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection, bounded by the configured acquire
// timeout, and hands it to fn.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(acquireCtx, conn)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *postgresRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Asset{}, fmt.Errorf("title is required")
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.cfg.Clock()
	}

	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
INSERT INTO assets (title, description, category, created_at, video_file)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+assetColumns,
			title,
			strings.TrimSpace(params.Description),
			strings.TrimSpace(params.Category),
			createdAt.UTC(),
			params.VideoFile,
		)
		var err error
		asset, err = scanAsset(row)
		return err
	})
	if err != nil {
		return models.Asset{}, fmt.Errorf("create asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		asset, err = scanAsset(conn.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if isNoRows(err) {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, fmt.Errorf("get asset %d: %w", id, err)
	}
	return asset, nil
}

func (r *postgresRepository) ListAssets(ctx context.Context) ([]models.Asset, error) {
	var assets []models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC, id DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			asset, err := scanAsset(rows)
			if err != nil {
				return err
			}
			assets = append(assets, asset)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	return assets, nil
}

func (r *postgresRepository) DeleteAsset(ctx context.Context, id int64) (models.Asset, error) {
	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		asset, err = scanAsset(conn.QueryRow(ctx, `DELETE FROM assets WHERE id = $1 RETURNING `+assetColumns, id))
		return err
	})
	if err != nil {
		if isNoRows(err) {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, fmt.Errorf("delete asset %d: %w", id, err)
	}
	return asset, nil
}

func (r *postgresRepository) SetRendition(ctx context.Context, id int64, res models.Resolution, ref string) (string, error) {
	column, ok := models.RenditionColumn(res)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedResolution, res)
	}
	return r.setColumn(ctx, id, column, ref)
}

func (r *postgresRepository) SetThumbnail(ctx context.Context, id int64, ref string) (string, error) {
	return r.setColumn(ctx, id, "thumbnail", ref)
}

func (r *postgresRepository) SetSource(ctx context.Context, id int64, ref string) (string, error) {
	return r.setColumn(ctx, id, "video_file", ref)
}

// setColumn updates a single column and returns its previous value. column
// always comes from a fixed set, never from request input.
func (r *postgresRepository) setColumn(ctx context.Context, id int64, column, value string) (string, error) {
	query := fmt.Sprintf(`
UPDATE assets AS a SET %[1]s = $2
FROM (SELECT id, %[1]s AS previous FROM assets WHERE id = $1 FOR UPDATE) AS prior
WHERE a.id = prior.id
RETURNING prior.previous`, column)

	var previous string
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, query, id, value).Scan(&previous)
	})
	if err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("update asset %d %s: %w", id, column, err)
	}
	return previous, nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var asset models.Asset
	var createdAt time.Time
	if err := row.Scan(
		&asset.ID,
		&asset.Title,
		&asset.Description,
		&asset.Category,
		&createdAt,
		&asset.VideoFile,
		&asset.Video480p,
		&asset.Video720p,
		&asset.Video1080p,
		&asset.Thumbnail,
	); err != nil {
		return models.Asset{}, err
	}
	asset.CreatedAt = createdAt.UTC()
	return asset, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
