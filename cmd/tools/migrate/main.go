// Command migrate applies the Postgres schema and can import a JSON datastore
// written by the development server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"videoflix/internal/config"
	"videoflix/internal/observability/logging"
	"videoflix/internal/storage"
)

type options struct {
	dsn        string
	jsonPath   string
	skipSchema bool
	timeout    time.Duration
	logLevel   string
}

func main() {
	if _, err := config.LoadDotEnv(os.Getenv(config.Env("ENV_FILE"))); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	logger := logging.New(logging.Config{Level: opts.logLevel, Format: string(logging.FormatText), Writer: os.Stdout})

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := migrate(ctx, opts, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	jsonPath := fs.String("json", "", "JSON datastore to import after the schema is applied")
	skipSchema := fs.Bool("skip-schema", false, "only import; assume the schema already exists")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall deadline for the migration")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts := options{
		dsn:        config.ResolvePostgresDSN(*postgresDSN),
		jsonPath:   strings.TrimSpace(*jsonPath),
		skipSchema: *skipSchema,
		timeout:    *timeout,
		logLevel:   *logLevel,
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("postgres DSN required: set --postgres-dsn, %s, or DATABASE_URL", config.Env("POSTGRES_DSN"))
	}
	if opts.skipSchema && opts.jsonPath == "" {
		return options{}, fmt.Errorf("--skip-schema without --json leaves nothing to do")
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("--timeout must be positive")
	}
	return opts, nil
}

func migrate(ctx context.Context, opts options, logger *slog.Logger) error {
	if !opts.skipSchema {
		if err := storage.ApplySchema(ctx, opts.dsn); err != nil {
			return err
		}
		logger.Info("schema applied", "statements", len(storage.SplitSQLStatements(storage.Schema)))
	}
	if opts.jsonPath == "" {
		return nil
	}

	snapshot, err := storage.LoadSnapshotFromJSON(opts.jsonPath)
	if err != nil {
		return err
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", opts.jsonPath, "assets", counts.Assets, "renditions", counts.Renditions, "thumbnails", counts.Thumbnails)

	repo, err := storage.NewPostgresRepository(opts.dsn, storage.WithPostgresApplicationName("videoflix-migrate"))
	if err != nil {
		return fmt.Errorf("open postgres repository: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(closeCtx)
	}()

	if err := storage.ImportSnapshot(ctx, repo, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyImport(ctx, opts.dsn, snapshot); err != nil {
		return fmt.Errorf("verify import: %w", err)
	}
	logger.Info("migration completed", "assets", counts.Assets, "renditions", counts.Renditions, "thumbnails", counts.Thumbnails)
	return nil
}

// verifyImport re-reads the imported ids and compares the derived reference
// counts with the snapshot.
func verifyImport(ctx context.Context, dsn string, snapshot *storage.Snapshot) error {
	if len(snapshot.Assets) == 0 {
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	ids := make([]int64, 0, len(snapshot.Assets))
	for _, asset := range snapshot.Assets {
		ids = append(ids, asset.ID)
	}
	want := snapshot.Counts()
	var got storage.SnapshotCounts
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(NULLIF(video_480p, '')) + COUNT(NULLIF(video_720p, '')) + COUNT(NULLIF(video_1080p, '')),
		       COUNT(NULLIF(thumbnail, ''))
		FROM assets WHERE id = ANY($1)`, ids).Scan(&got.Assets, &got.Renditions, &got.Thumbnails)
	if err != nil {
		return fmt.Errorf("count imported assets: %w", err)
	}
	if got != want {
		return fmt.Errorf("mismatch: expected %+v, got %+v", want, got)
	}
	return nil
}
