package config

import (
	"fmt"
	"log/slog"
	"strings"

	"videoflix/internal/jobs"
	"videoflix/internal/observability/logging"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// QueueConfig selects the job queue. Memory queues only work when the API
// runs its own workers.
type QueueConfig struct {
	Driver       string
	MemoryBuffer int
	Redis        jobs.RedisQueueConfig
}

// ResolveQueueDriver defaults to redis when an address is configured.
func ResolveQueueDriver(flagValue, envValue string, redis jobs.RedisQueueConfig) string {
	if driver := strings.ToLower(FirstNonEmpty(flagValue, envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(redis.Addr) != "" || len(redis.Addrs) > 0 {
		return QueueRedis
	}
	return QueueMemory
}

func OpenQueue(cfg QueueConfig, logger *slog.Logger) (jobs.Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", QueueMemory:
		return jobs.NewMemoryQueue(cfg.MemoryBuffer), nil
	case QueueRedis:
		if len(cfg.Redis.Addrs) == 0 && strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the job queue")
		}
		redisCfg := cfg.Redis
		redisCfg.Logger = logging.WithComponent(logger, "job-queue")
		return jobs.NewRedisQueue(redisCfg)
	default:
		return nil, fmt.Errorf("unsupported job queue driver %q", cfg.Driver)
	}
}
