package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"videoflix/internal/storage"
)

const (
	DriverJSON     = "json"
	DriverPostgres = "postgres"

	defaultDataPath = "data/videoflix.json"
)

// DatastoreConfig selects and sizes the asset repository.
type DatastoreConfig struct {
	Driver   string
	DataPath string

	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

// ResolvePostgresDSN prefers the flag, then VIDEOFLIX_POSTGRES_DSN, then
// DATABASE_URL.
func ResolvePostgresDSN(flagValue string) string {
	return FirstNonEmpty(flagValue, os.Getenv(Env("POSTGRES_DSN")), os.Getenv("DATABASE_URL"))
}

// ResolveStorageDriver returns the explicit driver, or postgres when only a
// DSN is configured. explicit reports whether a driver was named.
func ResolveStorageDriver(flagValue, envValue, postgresDSN string) (string, bool, error) {
	if driver := strings.ToLower(FirstNonEmpty(flagValue, envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return DriverPostgres, false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via %s, DATABASE_URL, or --postgres-dsn", Env("POSTGRES_DSN"))
}

// ValidateProductionDatastore rejects the single-process JSON store in
// production mode.
func ValidateProductionDatastore(driver, postgresDSN string) error {
	if driver != DriverPostgres {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(postgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func ResolveDataPath(flagValue, envValue string) string {
	return FirstNonEmpty(flagValue, envValue, defaultDataPath)
}

// OpenRepository opens the repository described by cfg.
func OpenRepository(cfg DatastoreConfig, opts ...storage.Option) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverJSON:
		return storage.NewJSONRepository(ResolveDataPath(cfg.DataPath, ""), opts...)
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(dsn, append(opts, cfg.postgresOptions()...)...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func (cfg DatastoreConfig) postgresOptions() []storage.Option {
	var opts []storage.Option
	if cfg.MaxConns > 0 || cfg.MinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
	}
	if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 || cfg.HealthInterval > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval))
	}
	if cfg.AcquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
	}
	if name := strings.TrimSpace(cfg.ApplicationName); name != "" {
		opts = append(opts, storage.WithPostgresApplicationName(name))
	}
	return opts
}
