// Command transcoder consumes jobs from the shared Redis queue and runs the
// thumbnail, transcode and HLS tasks with a bounded worker pool. A small
// status listener exposes /healthz and /metrics.
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

	"videoflix/internal/config"
	"videoflix/internal/encoder"
	"videoflix/internal/jobs"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
)

const (
	defaultWorkers     = 2
	defaultStatusAddr  = ":9100"
	defaultDrainPeriod = 30 * time.Second
)

type settings struct {
	logLevel   string
	logFormat  string
	statusAddr string

	datastore config.DatastoreConfig
	mediaRoot string
	queue     config.QueueConfig

	workers      int
	jobTimeout   time.Duration
	drainTimeout time.Duration
	ffmpegBinary string
}

func main() {
	if _, err := config.LoadDotEnv(os.Getenv(config.Env("ENV_FILE"))); err != nil {
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
	logger = logging.WithComponent(logger, "transcoder")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ffmpeg := encoder.NewFFmpeg(encoder.FFmpegConfig{
		Binary:  cfg.ffmpegBinary,
		Timeout: cfg.jobTimeout,
		Logger:  logging.WithComponent(logger, "ffmpeg"),
	})
	if err := ffmpeg.Available(); err != nil {
		logger.Error("ffmpeg not available", "binary", ffmpeg.Binary(), "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, ffmpeg, logger); err != nil {
		logger.Error("transcoder exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("transcoder stopped")
}

func parseSettings(args []string) (settings, error) {
	fs := flag.NewFlagSet("transcoder", flag.ContinueOnError)
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	statusAddr := fs.String("status-addr", "", "listen address for /healthz and /metrics (\"off\" disables it)")

	storageDriver := fs.String("storage-driver", "", "datastore driver (only postgres is accepted)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	mediaRoot := fs.String("media-root", "", "directory holding uploads, renditions, thumbnails and HLS output")

	queueRedisAddr := fs.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := fs.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := fs.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := fs.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := fs.String("queue-redis-stream", "", "Redis stream key for jobs")
	queueRedisGroup := fs.String("queue-redis-group", "", "Redis consumer group for transcoders")
	queueRedisConsumer := fs.String("queue-redis-consumer", "", "stable consumer name inside the group (defaults to the hostname)")
	queueRedisClaimIdle := fs.Duration("queue-redis-claim-idle", 0, "how long a job may stay unacknowledged before another transcoder takes it over (defaults to job timeout plus drain timeout plus a minute)")
	queueRedisMaster := fs.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisTLSCA := fs.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	queueRedisTLSCert := fs.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	queueRedisTLSKey := fs.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	queueRedisTLSSkipVerify := fs.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")

	workers := fs.Int("workers", 0, "concurrent jobs")
	jobTimeout := fs.Duration("job-timeout", 0, "upper bound for a single job")
	drainTimeout := fs.Duration("drain-timeout", 0, "how long running jobs may finish after a shutdown signal before they are canceled")
	ffmpegBinary := fs.String("ffmpeg", "", "ffmpeg executable")

	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	dsn := config.ResolvePostgresDSN(*postgresDSN)
	driver, _, err := config.ResolveStorageDriver(*storageDriver, os.Getenv(config.Env("STORAGE_DRIVER")), dsn)
	if err != nil {
		return settings{}, err
	}
	// The JSON store lives in the server's memory; records written here
	// would be lost on the next server save.
	if err := config.ValidateProductionDatastore(driver, dsn); err != nil {
		return settings{}, fmt.Errorf("the transcoder shares the server's datastore and needs Postgres: %w", err)
	}
	cfg := settings{
		logLevel:   config.String(*logLevel, config.Env("LOG_LEVEL"), "info"),
		logFormat:  config.String(*logFormat, config.Env("LOG_FORMAT"), string(logging.FormatJSON)),
		statusAddr: config.String(*statusAddr, config.Env("TRANSCODER_STATUS_ADDR"), defaultStatusAddr),
		datastore: config.DatastoreConfig{
			Driver:          driver,
			PostgresDSN:     dsn,
			MaxConns:        config.ResolveInt(*postgresMaxConns, config.Env("POSTGRES_MAX_CONNS")),
			AcquireTimeout:  config.ResolveDuration(*postgresAcquireTimeout, config.Env("POSTGRES_ACQUIRE_TIMEOUT"), 0),
			ApplicationName: "videoflix-transcoder",
		},
		mediaRoot: config.String(*mediaRoot, config.Env("MEDIA_ROOT"), "media"),
		queue: config.QueueConfig{
			Driver: config.QueueRedis,
			Redis: jobs.RedisQueueConfig{
				Addr:       config.String(*queueRedisAddr, config.Env("QUEUE_REDIS_ADDR"), ""),
				Addrs:      config.SplitAndTrim(config.String(*queueRedisAddrs, config.Env("QUEUE_REDIS_ADDRS"), "")),
				Username:   config.String(*queueRedisUsername, config.Env("QUEUE_REDIS_USERNAME"), ""),
				Password:   config.String(*queueRedisPassword, config.Env("QUEUE_REDIS_PASSWORD"), ""),
				Stream:     config.String(*queueRedisStream, config.Env("QUEUE_REDIS_STREAM"), ""),
				Group:      config.String(*queueRedisGroup, config.Env("QUEUE_REDIS_GROUP"), ""),
				Consumer:   config.String(*queueRedisConsumer, config.Env("QUEUE_REDIS_CONSUMER"), ""),
				MasterName: config.String(*queueRedisMaster, config.Env("QUEUE_REDIS_SENTINEL_MASTER"), ""),
				TLS: jobs.RedisTLSConfig{
					CAFile:             config.String(*queueRedisTLSCA, config.Env("QUEUE_REDIS_TLS_CA"), ""),
					CertFile:           config.String(*queueRedisTLSCert, config.Env("QUEUE_REDIS_TLS_CERT"), ""),
					KeyFile:            config.String(*queueRedisTLSKey, config.Env("QUEUE_REDIS_TLS_KEY"), ""),
					InsecureSkipVerify: config.ResolveBool(*queueRedisTLSSkipVerify, config.Env("QUEUE_REDIS_TLS_SKIP_VERIFY")),
				},
			},
		},
		workers:      config.ResolveIntDefault(*workers, config.Env("WORKERS"), defaultWorkers),
		jobTimeout:   config.ResolveDuration(*jobTimeout, config.Env("JOB_TIMEOUT"), 0),
		drainTimeout: config.ResolveDuration(*drainTimeout, config.Env("DRAIN_TIMEOUT"), defaultDrainPeriod),
		ffmpegBinary: config.String(*ffmpegBinary, config.Env("FFMPEG"), ""),
	}
	longestJob := cfg.jobTimeout
	if longestJob <= 0 {
		longestJob = jobs.DefaultJobTimeout
	}
	cfg.queue.Redis.ClaimIdle = config.ResolveDuration(*queueRedisClaimIdle, config.Env("QUEUE_REDIS_CLAIM_IDLE"), longestJob+cfg.drainTimeout+time.Minute)
	if cfg.queue.Redis.ClaimIdle <= longestJob {
		return settings{}, fmt.Errorf("--queue-redis-claim-idle must exceed the job timeout (%s)", longestJob)
	}
	if cfg.queue.Redis.Addr == "" && len(cfg.queue.Redis.Addrs) == 0 {
		return settings{}, fmt.Errorf("the transcoder needs the Redis job queue: set --queue-redis-addr or %s", config.Env("QUEUE_REDIS_ADDR"))
	}
	if strings.EqualFold(cfg.statusAddr, "off") {
		cfg.statusAddr = ""
	}
	return cfg, nil
}

// run opens the datastore and queue described by cfg and processes jobs
// until ctx ends.
func run(ctx context.Context, cfg settings, enc encoder.Encoder, logger *slog.Logger) error {
	store, err := config.OpenRepository(cfg.datastore)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	queue, err := config.OpenQueue(cfg.queue, logger)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}()

	w, err := newWorker(workerConfig{
		Store:      store,
		Queue:      queue,
		MediaRoot:  cfg.mediaRoot,
		Encoder:    enc,
		Workers:    cfg.workers,
		JobTimeout: cfg.jobTimeout,
		StatusAddr: cfg.statusAddr,
		Logger:     logger,
		Metrics:    metrics.Default(),
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.Run(groupCtx, cfg.drainTimeout)
	})
	if cfg.statusAddr != "" {
		group.Go(func() error {
			return w.ServeStatus(groupCtx, nil)
		})
	}
	return group.Wait()
}
