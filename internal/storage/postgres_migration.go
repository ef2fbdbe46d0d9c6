package storage

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"videoflix/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the DDL for every table the service uses. Statements are
// idempotent so it can be applied on each deploy.
//
//go:embed schema.sql
var Schema string

// ApplySchema executes Schema against the database at dsn.
func ApplySchema(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	for _, stmt := range SplitSQLStatements(Schema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// SplitSQLStatements splits a script on semicolons, dropping blank
// statements and full-line comments.
func SplitSQLStatements(script string) []string {
	var statements []string
	for _, chunk := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func firstLine(stmt string) string {
	if idx := strings.IndexByte(stmt, '\n'); idx >= 0 {
		return stmt[:idx]
	}
	return stmt
}

// ImportSnapshot copies every asset of snapshot into a Postgres repository in
// one transaction, keeping ids, and advances the id sequence past them.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("snapshot import requires a postgres repository")
	}
	if snapshot == nil {
		return nil
	}
	return pg.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return r.withConn(ctx, func(_ context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		if err := importSnapshotAssets(ctx, tx, snapshot.Assets); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('assets', 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM assets), 1))`); err != nil {
			return fmt.Errorf("advance asset sequence: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}

func importSnapshotAssets(ctx context.Context, tx pgx.Tx, assets []models.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, asset := range assets {
		batch.Queue(`
INSERT INTO assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    category = EXCLUDED.category,
    created_at = EXCLUDED.created_at,
    video_file = EXCLUDED.video_file,
    video_480p = EXCLUDED.video_480p,
    video_720p = EXCLUDED.video_720p,
    video_1080p = EXCLUDED.video_1080p,
    thumbnail = EXCLUDED.thumbnail`,
			asset.ID,
			asset.Title,
			asset.Description,
			asset.Category,
			asset.CreatedAt.UTC(),
			asset.VideoFile,
			asset.Video480p,
			asset.Video720p,
			asset.Video1080p,
			asset.Thumbnail,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for _, asset := range assets {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("import asset %d: %w", asset.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("import assets: %w", err)
	}
	return nil
}
