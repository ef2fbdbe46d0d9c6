package jobs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	payloadField         = "payload"
	defaultClaimIdle     = 3 * time.Hour
	defaultClaimInterval = time.Minute
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams queue.
type RedisQueueConfig struct {
	Addr     string
	Addrs    []string
	Username string
	Password string
	// Stream and Group default to "videoflix:jobs" and "transcoders".
	Stream string
	Group  string
	// Consumer names this process inside the group and defaults to the
	// hostname. A stable name lets a restarted process replay its own
	// pending entries at once; entries of a consumer that never returns
	// are reclaimed after ClaimIdle.
	Consumer string
	// ClaimIdle is how long an entry may stay delivered but unacknowledged
	// before another consumer takes it over. It must exceed the longest
	// job, or running jobs are handed out twice. Defaults to three hours.
	ClaimIdle time.Duration
	// ClaimInterval controls how often idle entries are looked for.
	ClaimInterval time.Duration

	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	// ReadCount caps how many entries one read claims for this consumer.
	ReadCount  int64
	PoolSize   int
	MasterName string
	TLS        RedisTLSConfig
}

// NewRedisQueue returns a queue backed by a Redis stream and consumer group.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "videoflix:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcoders"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	})
	queue := &redisQueue{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		blockTimeout:  cfg.BlockTimeout,
		readCount:     cfg.ReadCount,
		claimIdle:     cfg.ClaimIdle,
		claimInterval: cfg.ClaimInterval,
		logger:        cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if queue.readCount <= 0 {
		queue.readCount = 1
	}
	if queue.claimIdle <= 0 {
		queue.claimIdle = defaultClaimIdle
	}
	if queue.claimInterval <= 0 {
		queue.claimInterval = defaultClaimInterval
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return queue, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "transcoder"
	}
	return host
}

type redisQueue struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	blockTimeout  time.Duration
	readCount     int64
	claimIdle     time.Duration
	claimInterval time.Duration
	logger        *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// Enqueue appends every job to the stream in one pipeline.
func (q *redisQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	payloads := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		payloads = append(payloads, string(payload))
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, payload := range payloads {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.stream,
				Values: map[string]interface{}{payloadField: payload},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %d jobs: %w", len(jobs), err)
	}
	return nil
}

func (q *redisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:  q,
		cancel: cancel,
		ch:     make(chan Delivery),
	}
	go sub.run(ctx)
	return sub
}

// ensureGroup creates the consumer group at the start of the stream so jobs
// enqueued before any worker started are still delivered.
func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	if err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *redisQueue) ack(ctx context.Context, id string) error {
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, id)
		pipe.XDel(ctx, q.stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job entry %s: %w", id, err)
	}
	return nil
}

type redisSubscription struct {
	queue  *redisQueue
	cancel context.CancelFunc
	once   sync.Once
	ch     chan Delivery
}

func (s *redisSubscription) Deliveries() <-chan Delivery {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// run first replays entries already pending for this consumer, left over
// from a previous process with the same name, then reads new entries. Every
// claim interval it also takes over entries other consumers left idle.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	logger := s.queue.logger
	cursor := "0"
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis queue group ensure failed", "error", err)
			s.pause(ctx)
			continue
		}
		if cursor == ">" && time.Since(lastClaim) >= s.queue.claimInterval {
			claimed, err := s.claim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("redis queue claim failed", "error", err)
			}
			// A full batch may mean more idle entries are waiting.
			if int64(len(claimed)) < s.queue.readCount {
				lastClaim = time.Now()
			}
			if len(claimed) > 0 {
				logger.Info("claimed idle jobs from other consumers", "count", len(claimed))
				if !s.deliver(ctx, claimed) {
					return
				}
				continue
			}
		}
		messages, err := s.read(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis queue read failed", "error", err)
			s.pause(ctx)
			continue
		}
		if cursor != ">" && len(messages) == 0 {
			cursor = ">"
			continue
		}
		if !s.deliver(ctx, messages) {
			return
		}
		if cursor != ">" && len(messages) > 0 {
			// Pending reads return entries after the given id.
			cursor = messages[len(messages)-1].ID
		}
	}
}

// deliver hands messages to the pool and reports false once ctx ends.
// Entries that cannot be decoded are acknowledged and dropped.
func (s *redisSubscription) deliver(ctx context.Context, messages []redis.XMessage) bool {
	logger := s.queue.logger
	for _, message := range messages {
		job, err := decodeJob(message)
		if err != nil {
			logger.Error("redis queue decode failed", "entry_id", message.ID, "error", err)
			if ackErr := s.queue.ack(ctx, message.ID); ackErr != nil {
				logger.Warn("redis ack failed", "entry_id", message.ID, "error", ackErr)
			}
			continue
		}
		entryID := message.ID
		delivery := Delivery{Job: job, ack: func(ctx context.Context) error {
			return s.queue.ack(ctx, entryID)
		}}
		select {
		case s.ch <- delivery:
		case <-ctx.Done():
			// Left pending; the next subscriber with this consumer
			// name reads it back from cursor "0".
			return false
		}
	}
	return true
}

// claim moves entries idle for at least claimIdle to this consumer.
func (s *redisSubscription) claim(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := s.queue.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.queue.stream,
		Group:    s.queue.group,
		Consumer: s.queue.consumer,
		MinIdle:  s.queue.claimIdle,
		Start:    "0-0",
		Count:    s.queue.readCount,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim idle entries: %w", err)
	}
	return messages, nil
}

func (s *redisSubscription) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}

func (s *redisSubscription) read(ctx context.Context, cursor string) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.queue.consumer,
		Streams:  []string{s.queue.stream, cursor},
		Count:    s.queue.readCount,
		Block:    s.queue.blockTimeout,
	}
	if cursor != ">" {
		args.Block = -1
	}
	streams, err := s.queue.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func decodeJob(message redis.XMessage) (Job, error) {
	raw, ok := message.Values[payloadField]
	if !ok {
		return Job{}, fmt.Errorf("entry has no %s field", payloadField)
	}
	payload, ok := raw.(string)
	if !ok || payload == "" {
		return Job{}, fmt.Errorf("entry payload is empty")
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, err
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
