// Command server starts the Videoflix API: catalogue, uploads, HLS playback,
// health and metrics. With the in-memory queue it also runs the transcode
// workers in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"videoflix/internal/api"
	"videoflix/internal/auth"
	"videoflix/internal/catalog"
	"videoflix/internal/config"
	"videoflix/internal/encoder"
	"videoflix/internal/jobs"
	"videoflix/internal/media"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/playback"
	"videoflix/internal/server"
	"videoflix/internal/storage"
)

const (
	defaultMediaRoot       = "media"
	defaultSessionTTL      = 7 * 24 * time.Hour
	defaultPurgeInterval   = 15 * time.Minute
	defaultUploadLimit     = 10
	defaultUploadWindow    = time.Minute
	defaultEmbeddedWorkers = 2
)

type settings struct {
	mode       string
	listenAddr string
	tls        server.TLSConfig
	logLevel   string
	logFormat  string

	datastore config.DatastoreConfig
	sessions  sessionStoreConfig

	sessionTTL         time.Duration
	purgeInterval      time.Duration
	serviceTokenHashes []string
	authDisabled       bool

	mediaRoot            string
	maxUploadBytes       int64
	retranscodeOnReplace bool

	queue           config.QueueConfig
	embeddedWorkers int
	jobTimeout      time.Duration
	ffmpegBinary    string

	rateLimit server.RateLimitConfig
	cors      server.CORSConfig
	security  server.SecurityConfig
}

func main() {
	envFile := os.Getenv(config.Env("ENV_FILE"))
	if _, err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := parseSettings(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.logLevel, Format: cfg.logFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func parseSettings(args []string) (settings, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	mode := fs.String("mode", "", "runtime mode (development or production)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")

	dataPath := fs.String("data", "", "path to JSON datastore")
	storageDriver := fs.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")

	sessionStoreDriver := fs.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := fs.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := fs.Duration("session-ttl", 0, "lifetime of issued session tokens")
	purgeInterval := fs.Duration("session-purge-interval", 0, "interval between expired session sweeps")
	serviceTokens := fs.String("service-token-hashes", "", "comma separated pbkdf2 hashes of accepted service tokens")
	authDisabled := fs.Bool("auth-disabled", false, "serve /api/video without authentication (development only)")

	mediaRoot := fs.String("media-root", "", "directory holding uploads, renditions, thumbnails and HLS output")
	maxUpload := fs.Int64("max-upload-bytes", 0, "maximum size of a single upload")
	retranscode := fs.Bool("retranscode-on-replace", false, "dispatch every job again when a source file is replaced")

	queueDriver := fs.String("queue-driver", "", "job queue driver (memory or redis)")
	queueRedisAddr := fs.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := fs.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := fs.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := fs.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := fs.String("queue-redis-stream", "", "Redis stream key for jobs")
	queueRedisGroup := fs.String("queue-redis-group", "", "Redis consumer group for transcoders")
	queueRedisMaster := fs.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisPoolSize := fs.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	queueRedisTLSCA := fs.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	queueRedisTLSCert := fs.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	queueRedisTLSKey := fs.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	queueRedisTLSServerName := fs.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	queueRedisTLSSkipVerify := fs.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")

	workers := fs.Int("workers", 0, "in-process transcode workers (defaults to 2 with the memory queue, 0 with redis)")
	jobTimeout := fs.Duration("job-timeout", 0, "upper bound for a single job")
	ffmpegBinary := fs.String("ffmpeg", "", "ffmpeg executable")

	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := fs.Int("rate-upload-limit", 0, "maximum uploads per window for a single client")
	uploadWindow := fs.Duration("rate-upload-window", 0, "window for counting uploads")
	rateRedisAddr := fs.String("rate-redis-addr", "", "Redis address for shared upload throttling")
	rateRedisPassword := fs.String("rate-redis-password", "", "Redis password for shared upload throttling")
	rateRedisTimeout := fs.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")

	corsOrigins := fs.String("cors-origins", "", "comma separated origins allowed to call the API from a browser")
	hstsMaxAge := fs.Int("hsts-max-age", 0, "Strict-Transport-Security max-age in seconds for TLS requests")

	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	cfg := settings{
		mode:      config.ModeValue(*mode, os.Getenv(config.Env("MODE"))),
		logLevel:  config.String(*logLevel, config.Env("LOG_LEVEL"), "info"),
		logFormat: config.String(*logFormat, config.Env("LOG_FORMAT"), string(logging.FormatJSON)),
		tls: server.TLSConfig{
			CertFile: config.String(*tlsCert, config.Env("TLS_CERT"), ""),
			KeyFile:  config.String(*tlsKey, config.Env("TLS_KEY"), ""),
		},
	}
	cfg.listenAddr = resolveListenAddr(*addr, cfg.mode, os.Getenv(config.Env("ADDR")))

	dsn := config.ResolvePostgresDSN(*postgresDSN)
	driver, _, err := config.ResolveStorageDriver(*storageDriver, os.Getenv(config.Env("STORAGE_DRIVER")), dsn)
	if err != nil {
		return settings{}, err
	}
	if cfg.mode == "production" {
		if err := config.ValidateProductionDatastore(driver, dsn); err != nil {
			return settings{}, err
		}
	}
	cfg.datastore = config.DatastoreConfig{
		Driver:          driver,
		DataPath:        config.ResolveDataPath(*dataPath, os.Getenv(config.Env("DATA"))),
		PostgresDSN:     dsn,
		MaxConns:        config.ResolveInt(*postgresMaxConns, config.Env("POSTGRES_MAX_CONNS")),
		MinConns:        config.ResolveInt(*postgresMinConns, config.Env("POSTGRES_MIN_CONNS")),
		MaxConnLifetime: config.ResolveDuration(*postgresMaxConnLifetime, config.Env("POSTGRES_MAX_CONN_LIFETIME"), 0),
		MaxConnIdle:     config.ResolveDuration(*postgresMaxConnIdle, config.Env("POSTGRES_MAX_CONN_IDLE"), 0),
		HealthInterval:  config.ResolveDuration(*postgresHealthInterval, config.Env("POSTGRES_HEALTH_INTERVAL"), 0),
		AcquireTimeout:  config.ResolveDuration(*postgresAcquireTimeout, config.Env("POSTGRES_ACQUIRE_TIMEOUT"), 0),
		ApplicationName: config.String(*postgresAppName, config.Env("POSTGRES_APP_NAME"), "videoflix-api"),
	}
	if driver != config.DriverPostgres {
		cfg.datastore.PostgresDSN = ""
	}

	cfg.sessions, err = resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv(config.Env("SESSION_STORE")),
		driver,
		cfg.datastore.PostgresDSN,
		*sessionPostgresDSN,
		os.Getenv(config.Env("SESSION_POSTGRES_DSN")),
		cfg.mode == "production",
	)
	if err != nil {
		return settings{}, err
	}
	cfg.sessionTTL = config.ResolveDuration(*sessionTTL, config.Env("SESSION_TTL"), defaultSessionTTL)
	cfg.purgeInterval = config.ResolveDuration(*purgeInterval, config.Env("SESSION_PURGE_INTERVAL"), defaultPurgeInterval)
	cfg.serviceTokenHashes = config.SplitAndTrim(config.String(*serviceTokens, config.Env("SERVICE_TOKEN_HASHES"), ""))
	cfg.authDisabled = config.ResolveBool(*authDisabled, config.Env("AUTH_DISABLED"))
	if cfg.authDisabled && cfg.mode == "production" {
		return settings{}, fmt.Errorf("authentication cannot be disabled in production mode")
	}

	cfg.mediaRoot = config.String(*mediaRoot, config.Env("MEDIA_ROOT"), defaultMediaRoot)
	cfg.maxUploadBytes = *maxUpload
	if cfg.maxUploadBytes <= 0 {
		cfg.maxUploadBytes = int64(config.ResolveIntDefault(0, config.Env("MAX_UPLOAD_BYTES"), int(api.DefaultMaxUploadBytes)))
	}
	cfg.retranscodeOnReplace = config.ResolveBool(*retranscode, config.Env("RETRANSCODE_ON_REPLACE"))

	redisQueue := jobs.RedisQueueConfig{
		Addr:       config.String(*queueRedisAddr, config.Env("QUEUE_REDIS_ADDR"), ""),
		Addrs:      config.SplitAndTrim(config.String(*queueRedisAddrs, config.Env("QUEUE_REDIS_ADDRS"), "")),
		Username:   config.String(*queueRedisUsername, config.Env("QUEUE_REDIS_USERNAME"), ""),
		Password:   config.String(*queueRedisPassword, config.Env("QUEUE_REDIS_PASSWORD"), ""),
		Stream:     config.String(*queueRedisStream, config.Env("QUEUE_REDIS_STREAM"), ""),
		Group:      config.String(*queueRedisGroup, config.Env("QUEUE_REDIS_GROUP"), ""),
		MasterName: config.String(*queueRedisMaster, config.Env("QUEUE_REDIS_SENTINEL_MASTER"), ""),
		PoolSize:   config.ResolveInt(*queueRedisPoolSize, config.Env("QUEUE_REDIS_POOL_SIZE")),
		TLS: jobs.RedisTLSConfig{
			CAFile:             config.String(*queueRedisTLSCA, config.Env("QUEUE_REDIS_TLS_CA"), ""),
			CertFile:           config.String(*queueRedisTLSCert, config.Env("QUEUE_REDIS_TLS_CERT"), ""),
			KeyFile:            config.String(*queueRedisTLSKey, config.Env("QUEUE_REDIS_TLS_KEY"), ""),
			ServerName:         config.String(*queueRedisTLSServerName, config.Env("QUEUE_REDIS_TLS_SERVER_NAME"), ""),
			InsecureSkipVerify: config.ResolveBool(*queueRedisTLSSkipVerify, config.Env("QUEUE_REDIS_TLS_SKIP_VERIFY")),
		},
	}
	cfg.queue = config.QueueConfig{
		Driver: config.ResolveQueueDriver(*queueDriver, os.Getenv(config.Env("QUEUE_DRIVER")), redisQueue),
		Redis:  redisQueue,
	}
	workerDefault := 0
	if cfg.queue.Driver == config.QueueMemory {
		workerDefault = defaultEmbeddedWorkers
	}
	cfg.embeddedWorkers = config.ResolveIntDefault(*workers, config.Env("WORKERS"), workerDefault)
	cfg.jobTimeout = config.ResolveDuration(*jobTimeout, config.Env("JOB_TIMEOUT"), 0)
	cfg.ffmpegBinary = config.String(*ffmpegBinary, config.Env("FFMPEG"), "")

	cfg.rateLimit = server.RateLimitConfig{
		GlobalRPS:     config.ResolveFloat(*globalRPS, config.Env("RATE_GLOBAL_RPS")),
		GlobalBurst:   config.ResolveInt(*globalBurst, config.Env("RATE_GLOBAL_BURST")),
		UploadLimit:   config.ResolveIntDefault(*uploadLimit, config.Env("RATE_UPLOAD_LIMIT"), defaultUploadLimit),
		UploadWindow:  config.ResolveDuration(*uploadWindow, config.Env("RATE_UPLOAD_WINDOW"), defaultUploadWindow),
		RedisAddr:     config.String(*rateRedisAddr, config.Env("RATE_REDIS_ADDR"), ""),
		RedisPassword: config.String(*rateRedisPassword, config.Env("RATE_REDIS_PASSWORD"), ""),
		RedisTimeout:  config.ResolveDuration(*rateRedisTimeout, config.Env("RATE_REDIS_TIMEOUT"), 2*time.Second),
	}
	cfg.cors = server.CORSConfig{
		AllowedOrigins: config.SplitAndTrim(config.String(*corsOrigins, config.Env("CORS_ORIGINS"), "")),
	}
	cfg.security = server.SecurityConfig{
		HSTSMaxAge: config.ResolveInt(*hstsMaxAge, config.Env("HSTS_MAX_AGE")),
	}

	return cfg, nil
}

func run(ctx context.Context, cfg settings, logger *slog.Logger) error {
	recorder := metrics.Default()
	logger.Info("starting videoflix api", newStartupSummary(startupSummaryInput{
		Mode:            cfg.mode,
		Addr:            cfg.listenAddr,
		Datastore:       cfg.datastore,
		SessionConfig:   cfg.sessions,
		Queue:           cfg.queue,
		EmbeddedWorkers: cfg.embeddedWorkers,
		RateLimit:       cfg.rateLimit,
		AuthDisabled:    cfg.authDisabled,
		ServiceTokens:   len(cfg.serviceTokenHashes),
	}).LogArgs()...)

	store, err := config.OpenRepository(cfg.datastore)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeWithTimeout(logger, "datastore", store.Close)

	sessionStore, sessionCloser, err := openSessionStore(cfg.sessions, cfg.datastore.AcquireTimeout)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if sessionCloser != nil {
		defer closeWithTimeout(logger, "session store", sessionCloser)
	}
	sessions := auth.NewSessionManager(cfg.sessionTTL, auth.WithStore(sessionStore))

	authenticator, err := buildAuthenticator(cfg, sessions, logger)
	if err != nil {
		return err
	}

	resolver, err := media.NewResolver(cfg.mediaRoot)
	if err != nil {
		return err
	}

	queue, err := config.OpenQueue(cfg.queue, logger)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}()

	dispatcher, err := jobs.NewDispatcher(jobs.DispatcherConfig{
		Queue:   queue,
		Logger:  logging.WithComponent(logger, "dispatcher"),
		Metrics: recorder,
	})
	if err != nil {
		return err
	}
	catalogService, err := catalog.NewService(catalog.Config{
		Store:                store,
		Resolver:             resolver,
		Publisher:            dispatcher,
		Logger:               logging.WithComponent(logger, "catalog"),
		Metrics:              recorder,
		RetranscodeOnReplace: cfg.retranscodeOnReplace,
	})
	if err != nil {
		return err
	}
	playbackService, err := playback.NewService(resolver)
	if err != nil {
		return err
	}

	handler := api.NewHandler(catalogService, playbackService)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	handler.Store = store
	handler.Queue = queue
	handler.Sessions = sessions
	handler.MaxUploadBytes = cfg.maxUploadBytes

	srv, err := server.New(handler, server.Config{
		Addr:          cfg.listenAddr,
		TLS:           cfg.tls,
		RateLimit:     cfg.rateLimit,
		CORS:          cfg.cors,
		Security:      cfg.security,
		Authenticator: authenticator,
		Logger:        logger,
		AuditLogger:   logging.WithComponent(logger, "audit"),
		Metrics:       recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	var pool *jobs.Pool
	if cfg.embeddedWorkers > 0 {
		pool, err = newWorkerPool(cfg, store, resolver, queue, recorder, logger)
		if err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	stopPurge := startSessionPurgeWorker(groupCtx, logging.WithComponent(logger, "session-purger"), sessions, cfg.purgeInterval)
	defer stopPurge()

	if pool != nil {
		pool.Start()
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := pool.Shutdown(shutdownCtx); err != nil {
				logger.Warn("worker pool did not drain", "error", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return srv.Run(groupCtx, nil)
	})
	return group.Wait()
}

func newWorkerPool(cfg settings, store storage.Repository, resolver *media.Resolver, queue jobs.Queue, recorder *metrics.Recorder, logger *slog.Logger) (*jobs.Pool, error) {
	ffmpeg := encoder.NewFFmpeg(encoder.FFmpegConfig{
		Binary:  cfg.ffmpegBinary,
		Timeout: cfg.jobTimeout,
		Logger:  logging.WithComponent(logger, "ffmpeg"),
	})
	if err := ffmpeg.Available(); err != nil {
		logger.Warn("ffmpeg not available; jobs will fail until it is installed", "binary", ffmpeg.Binary(), "error", err)
	}
	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Store:    store,
		Resolver: resolver,
		Encoder:  ffmpeg,
		Logger:   logging.WithComponent(logger, "runner"),
		Metrics:  recorder,
	})
	if err != nil {
		return nil, err
	}
	return jobs.NewPool(jobs.PoolConfig{
		Queue:   queue,
		Handler: runner,
		Workers: cfg.embeddedWorkers,
		Timeout: cfg.jobTimeout,
		Logger:  logging.WithComponent(logger, "workers"),
		Metrics: recorder,
	})
}

func buildAuthenticator(cfg settings, sessions *auth.SessionManager, logger *slog.Logger) (auth.Authenticator, error) {
	if cfg.authDisabled {
		logger.Warn("authentication disabled; every request is accepted")
		return auth.AllowAll(), nil
	}
	authenticators := []auth.Authenticator{
		auth.NewSessionAuthenticator(sessions, logging.WithComponent(logger, "auth")),
	}
	if len(cfg.serviceTokenHashes) > 0 {
		serviceTokens, err := auth.NewServiceTokenAuthenticator(cfg.serviceTokenHashes...)
		if err != nil {
			return nil, fmt.Errorf("configure service tokens: %w", err)
		}
		authenticators = append(authenticators, serviceTokens)
	}
	return auth.Chain(authenticators...), nil
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string, requirePostgres bool) (sessionStoreConfig, error) {
	driver := strings.ToLower(config.FirstNonEmpty(flagDriver, envDriver))
	sessionDSN := config.FirstNonEmpty(flagDSN, envDSN)
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == config.DriverPostgres:
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		if requirePostgres {
			return sessionStoreConfig{}, fmt.Errorf("production mode requires the postgres session store")
		}
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func openSessionStore(cfg sessionStoreConfig, timeout time.Duration) (auth.SessionStore, func(context.Context) error, error) {
	switch cfg.Driver {
	case "memory":
		return auth.NewMemorySessionStore(), nil, nil
	case "postgres":
		store, err := auth.NewPostgresSessionStore(cfg.DSN, auth.WithTimeout(timeout))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", cfg.Driver)
	}
}

func closeWithTimeout(logger *slog.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn("failed to close "+name, "error", err)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	if addr := config.FirstNonEmpty(flagValue, envAddr); addr != "" {
		return addr
	}
	return defaultListenForMode(mode)
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}
