package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"videoflix/internal/config"
	"videoflix/internal/jobs"
	"videoflix/internal/media"
	"videoflix/internal/models"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/storage"
	"videoflix/internal/testsupport/encoderstub"
	"videoflix/internal/testsupport/redisstub"
)

func clearTranscoderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STORAGE_DRIVER", "POSTGRES_DSN", "MEDIA_ROOT", "QUEUE_REDIS_ADDR",
		"QUEUE_REDIS_ADDRS", "QUEUE_REDIS_CLAIM_IDLE", "WORKERS", "TRANSCODER_STATUS_ADDR",
		"DRAIN_TIMEOUT", "JOB_TIMEOUT",
	} {
		t.Setenv(config.Env(key), "")
	}
	t.Setenv("DATABASE_URL", "")
}

func TestParseSettingsRequiresRedisQueue(t *testing.T) {
	clearTranscoderEnv(t)
	if _, err := parseSettings([]string{"--postgres-dsn", "postgres://db/videoflix"}); err == nil {
		t.Fatal("expected error without a Redis address")
	}
}

func TestParseSettingsRejectsJSONDatastore(t *testing.T) {
	clearTranscoderEnv(t)
	t.Setenv(config.Env("QUEUE_REDIS_ADDR"), "redis:6379")
	if _, err := parseSettings([]string{"--storage-driver", "json"}); err == nil {
		t.Fatal("expected the json datastore to be rejected")
	}
	t.Setenv(config.Env("STORAGE_DRIVER"), "json")
	if _, err := parseSettings([]string{"--postgres-dsn", "postgres://db/videoflix"}); err == nil {
		t.Fatal("expected json from the environment to be rejected")
	}
	if _, err := parseSettings([]string{"--storage-driver", "postgres"}); err == nil {
		t.Fatal("expected postgres without a DSN to be rejected")
	}
}

func TestParseSettingsDefaults(t *testing.T) {
	clearTranscoderEnv(t)
	t.Setenv(config.Env("QUEUE_REDIS_ADDR"), "redis:6379")
	cfg, err := parseSettings([]string{"--postgres-dsn", "postgres://db/videoflix", "--status-addr", "off"})
	if err != nil {
		t.Fatalf("parseSettings returned error: %v", err)
	}
	if cfg.datastore.Driver != config.DriverPostgres || cfg.datastore.PostgresDSN != "postgres://db/videoflix" {
		t.Fatalf("unexpected datastore config %+v", cfg.datastore)
	}
	if cfg.workers != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, cfg.workers)
	}
	if cfg.statusAddr != "" {
		t.Fatalf("expected status listener to be disabled, got %q", cfg.statusAddr)
	}
	if cfg.queue.Driver != config.QueueRedis || cfg.queue.Redis.Addr != "redis:6379" {
		t.Fatalf("unexpected queue config %+v", cfg.queue)
	}
	if cfg.drainTimeout != defaultDrainPeriod {
		t.Fatalf("expected default drain timeout, got %s", cfg.drainTimeout)
	}
	if want := jobs.DefaultJobTimeout + defaultDrainPeriod + time.Minute; cfg.queue.Redis.ClaimIdle != want {
		t.Fatalf("expected claim idle %s, got %s", want, cfg.queue.Redis.ClaimIdle)
	}
}

func TestParseSettingsClaimIdleMustExceedJobTimeout(t *testing.T) {
	clearTranscoderEnv(t)
	t.Setenv(config.Env("QUEUE_REDIS_ADDR"), "redis:6379")
	args := []string{"--postgres-dsn", "postgres://db/videoflix", "--job-timeout", "30m"}
	if _, err := parseSettings(append(args, "--queue-redis-claim-idle", "10m")); err == nil {
		t.Fatal("expected claim idle shorter than the job timeout to be rejected")
	}
	cfg, err := parseSettings(append(args, "--queue-redis-claim-idle", "45m"))
	if err != nil {
		t.Fatalf("parseSettings returned error: %v", err)
	}
	if cfg.queue.Redis.ClaimIdle != 45*time.Minute {
		t.Fatalf("unexpected claim idle %s", cfg.queue.Redis.ClaimIdle)
	}
}

type workerFixture struct {
	root  string
	store storage.Repository
	asset models.Asset
}

func newWorkerFixture(t *testing.T, store storage.Repository) workerFixture {
	t.Helper()
	root := t.TempDir()
	resolver, err := media.NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	upload := resolver.Upload("clip.mp4")
	if err := media.Prepare(upload); err != nil {
		t.Fatalf("prepare upload: %v", err)
	}
	if err := os.WriteFile(upload.Abs, []byte("source"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	asset, err := store.CreateAsset(context.Background(), storage.CreateAssetParams{Title: "Clip", VideoFile: upload.Rel})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	return workerFixture{root: root, store: store, asset: asset}
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerProcessesJobsAndReportsHealth(t *testing.T) {
	store := storage.NewMemoryRepository()
	fixture := newWorkerFixture(t, store)
	queue := jobs.NewMemoryQueue(16)
	defer queue.Close()
	enc := encoderstub.New()

	w, err := newWorker(workerConfig{
		Store:     store,
		Queue:     queue,
		MediaRoot: fixture.root,
		Encoder:   enc,
		Workers:   2,
		Logger:    logging.Discard(),
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, time.Second) }()

	id := fixture.asset.ID
	if err := queue.Enqueue(context.Background(), jobs.NewThumbnailJob(id), jobs.NewTranscodeJob(id, models.Resolution480p)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		asset, err := store.GetAsset(context.Background(), id)
		return err == nil && asset.Thumbnail != "" && asset.Video480p != ""
	})
	waitFor(t, 2*time.Second, func() bool {
		depth, _ := queue.Depth(context.Background())
		return depth == 0
	})

	rec := httptest.NewRecorder()
	w.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode health report: %v", err)
	}
	if report.Status != "ok" || report.QueueDepth != 0 {
		t.Fatalf("unexpected health report %+v", report)
	}

	rec = httptest.NewRecorder()
	w.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "videoflix_jobs_total") {
		t.Fatalf("expected job metrics, got %d", rec.Code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHealthReportsDegradedDatastore(t *testing.T) {
	store := storage.NewMemoryRepository()
	queue := jobs.NewMemoryQueue(1)
	defer queue.Close()
	w, err := newWorker(workerConfig{
		Store:     failingStore{Repository: store},
		Queue:     queue,
		MediaRoot: t.TempDir(),
		Encoder:   encoderstub.New(),
		Logger:    logging.Discard(),
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}
	rec := httptest.NewRecorder()
	w.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database offline") {
		t.Fatalf("expected datastore error in body, got %s", rec.Body.String())
	}
}

type failingStore struct {
	storage.Repository
}

func (failingStore) Ping(context.Context) error {
	return errDatabaseOffline
}

var errDatabaseOffline = errors.New("database offline")

func TestRunConsumesRedisQueue(t *testing.T) {
	redis, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer redis.Close()

	dataPath := filepath.Join(t.TempDir(), "videoflix.json")
	seed, err := storage.NewJSONRepository(dataPath)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	fixture := newWorkerFixture(t, seed)

	queueCfg := jobs.RedisQueueConfig{Addr: redis.Addr(), Consumer: "transcoder-test", Logger: logging.Discard()}
	producer, err := jobs.NewRedisQueue(queueCfg)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	defer producer.Close()

	// run opens whatever datastore it is given; parseSettings is what keeps
	// deployed transcoders off the JSON store. Only this process writes it here.
	cfg := settings{
		datastore:    config.DatastoreConfig{Driver: config.DriverJSON, DataPath: dataPath},
		mediaRoot:    fixture.root,
		queue:        config.QueueConfig{Driver: config.QueueRedis, Redis: queueCfg},
		workers:      1,
		drainTimeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, encoderstub.New(), logging.Discard()) }()

	if err := producer.Enqueue(context.Background(), jobs.NewThumbnailJob(fixture.asset.ID)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		repo, err := storage.NewJSONRepository(dataPath)
		if err != nil {
			return false
		}
		asset, err := repo.GetAsset(context.Background(), fixture.asset.ID)
		return err == nil && asset.Thumbnail != ""
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
