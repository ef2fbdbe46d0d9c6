package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"videoflix/internal/models"
	"videoflix/internal/observability/logging"
	"videoflix/internal/testsupport/redisstub"
)

func startRedisStub(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	server, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func newTestRedisQueue(t *testing.T, cfg RedisQueueConfig) Queue {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 100 * time.Millisecond
	}
	queue, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })
	return queue
}

func TestRedisQueueDeliversAndAcks(t *testing.T) {
	server := startRedisStub(t, redisstub.Options{Password: "secret"})
	queue := newTestRedisQueue(t, RedisQueueConfig{Addr: server.Addr(), Password: "secret", Consumer: "worker-a"})

	planned := []Job{NewThumbnailJob(42), NewTranscodeJob(42, models.Resolution720p)}
	if err := queue.Enqueue(context.Background(), planned...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	depth, err := queue.Depth(context.Background())
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2, got %d (%v)", depth, err)
	}

	sub := queue.Subscribe()
	defer sub.Close()
	for i, want := range planned {
		delivery := receive(t, sub)
		if delivery.Job.ID != want.ID || delivery.Job.Kind != want.Kind {
			t.Fatalf("delivery %d: expected %s, got %s", i, want.Label(), delivery.Job.Label())
		}
		if err := delivery.Ack(context.Background()); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty stream after acks, got %d", depth)
	}
	if pending := server.Pending("videoflix:jobs", "transcoders"); pending != 0 {
		t.Fatalf("expected no pending entries, got %d", pending)
	}
}

func TestRedisQueueRedeliversPendingToSameConsumer(t *testing.T) {
	server := startRedisStub(t, redisstub.Options{})
	cfg := RedisQueueConfig{Addr: server.Addr(), Consumer: "worker-a", Stream: "test:jobs", Group: "test"}

	first := newTestRedisQueue(t, cfg)
	job := NewHLSJob(7, models.Resolution1080p)
	if err := first.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sub := first.Subscribe()
	delivery := receive(t, sub)
	if delivery.Job.ID != job.ID {
		t.Fatalf("unexpected job %s", delivery.Job.ID)
	}
	// The process stops without acknowledging the job.
	sub.Close()
	_ = first.Close()
	if pending := server.Pending("test:jobs", "test"); pending != 1 {
		t.Fatalf("expected one pending entry, got %d", pending)
	}

	restarted := newTestRedisQueue(t, cfg)
	resub := restarted.Subscribe()
	defer resub.Close()
	again := receive(t, resub)
	if again.Job.ID != job.ID {
		t.Fatalf("expected pending job %s again, got %s", job.ID, again.Job.ID)
	}
	if err := again.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Once the backlog is drained, new jobs still flow.
	next := NewThumbnailJob(8)
	if err := restarted.Enqueue(context.Background(), next); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := receive(t, resub); got.Job.ID != next.ID {
		t.Fatalf("expected new job %s, got %s", next.ID, got.Job.ID)
	}
}

func TestRedisQueueClaimsEntriesOfVanishedConsumer(t *testing.T) {
	server := startRedisStub(t, redisstub.Options{})
	base := RedisQueueConfig{Addr: server.Addr(), Stream: "claim:jobs", Group: "claim", ClaimInterval: 20 * time.Millisecond}

	cfgA := base
	cfgA.Consumer = "worker-a"
	cfgA.ClaimIdle = time.Hour
	first := newTestRedisQueue(t, cfgA)
	job := NewTranscodeJob(9, models.Resolution480p)
	if err := first.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sub := first.Subscribe()
	if got := receive(t, sub); got.Job.ID != job.ID {
		t.Fatalf("unexpected job %s", got.Job.ID)
	}
	// worker-a goes away for good with the entry still pending.
	sub.Close()
	_ = first.Close()

	// A consumer with a long idle threshold leaves the entry alone.
	cfgPatient := base
	cfgPatient.Consumer = "worker-patient"
	cfgPatient.ClaimIdle = time.Hour
	patient := newTestRedisQueue(t, cfgPatient).Subscribe()
	select {
	case delivery := <-patient.Deliveries():
		t.Fatalf("entry claimed before it was idle long enough: %s", delivery.Job.ID)
	case <-time.After(200 * time.Millisecond):
	}
	patient.Close()

	cfgB := base
	cfgB.Consumer = "worker-b"
	cfgB.ClaimIdle = 50 * time.Millisecond
	second := newTestRedisQueue(t, cfgB)
	resub := second.Subscribe()
	defer resub.Close()
	claimed := receive(t, resub)
	if claimed.Job.ID != job.ID {
		t.Fatalf("expected job %s to be claimed, got %s", job.ID, claimed.Job.ID)
	}
	if err := claimed.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if pending := server.Pending("claim:jobs", "claim"); pending != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", pending)
	}
	if depth, _ := second.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty stream, got %d", depth)
	}
}

func TestRedisQueueSkipsUndecodableEntries(t *testing.T) {
	server := startRedisStub(t, redisstub.Options{})
	queue := newTestRedisQueue(t, RedisQueueConfig{Addr: server.Addr(), Consumer: "worker-a"})

	rq := queue.(*redisQueue)
	if err := rq.client.XAdd(context.Background(), &redis.XAddArgs{Stream: rq.stream, Values: map[string]interface{}{payloadField: "{not json"}}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	valid := NewThumbnailJob(3)
	if err := queue.Enqueue(context.Background(), valid); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sub := queue.Subscribe()
	defer sub.Close()
	if got := receive(t, sub); got.Job.ID != valid.ID {
		t.Fatalf("expected valid job, got %+v", got.Job)
	}
	waitFor(t, "bad entry removal", func() bool { return server.StreamLen("videoflix:jobs") == 1 })
}

func TestRedisQueueTLS(t *testing.T) {
	server := startRedisStub(t, redisstub.Options{EnableTLS: true})
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, server.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	queue := newTestRedisQueue(t, RedisQueueConfig{
		Addr:     server.Addr(),
		Consumer: "worker-tls",
		TLS:      RedisTLSConfig{CAFile: caPath, ServerName: "localhost"},
	})
	job := NewThumbnailJob(11)
	if err := queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue over TLS: %v", err)
	}
	sub := queue.Subscribe()
	defer sub.Close()
	if got := receive(t, sub); got.Job.ID != job.ID {
		t.Fatalf("unexpected job over TLS %s", got.Job.ID)
	}
}

func TestRedisQueueRequiresAddress(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatalf("expected missing address error")
	}
}

func TestBuildTLSConfigRejectsBadCA(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := buildTLSConfig(RedisTLSConfig{CAFile: caPath}); err == nil {
		t.Fatalf("expected invalid CA error")
	}
	cfg, err := buildTLSConfig(RedisTLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected no TLS config by default, got %v %v", cfg, err)
	}
}
