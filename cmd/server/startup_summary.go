package main

import (
	"videoflix/internal/config"
	"videoflix/internal/server"
)

type startupSummaryInput struct {
	Mode            string
	Addr            string
	Datastore       config.DatastoreConfig
	SessionConfig   sessionStoreConfig
	Queue           config.QueueConfig
	EmbeddedWorkers int
	RateLimit       server.RateLimitConfig
	AuthDisabled    bool
	ServiceTokens   int
}

// startupSummary groups the effective backends for the first log line.
// Connection strings are redacted.
type startupSummary struct {
	fields []any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	datastore := map[string]any{"driver": in.Datastore.Driver}
	switch in.Datastore.Driver {
	case config.DriverJSON:
		datastore["path"] = in.Datastore.DataPath
	case config.DriverPostgres:
		datastore["dsn"] = config.RedactDSN(in.Datastore.PostgresDSN)
	}

	session := map[string]any{"driver": in.SessionConfig.Driver}
	if in.SessionConfig.DSN != "" {
		session["dsn"] = config.RedactDSN(in.SessionConfig.DSN)
	}

	queue := map[string]any{"driver": in.Queue.Driver, "embedded_workers": in.EmbeddedWorkers}
	if in.Queue.Driver == config.QueueRedis {
		queue["addr"] = in.Queue.Redis.Addr
		if len(in.Queue.Redis.Addrs) > 0 {
			queue["addrs"] = in.Queue.Redis.Addrs
		}
		if in.Queue.Redis.Stream != "" {
			queue["stream"] = in.Queue.Redis.Stream
		}
		if in.Queue.Redis.Group != "" {
			queue["group"] = in.Queue.Redis.Group
		}
		if in.Queue.Redis.MasterName != "" {
			queue["master_name"] = in.Queue.Redis.MasterName
		}
	}

	throttle := map[string]any{
		"driver":        "memory",
		"upload_limit":  in.RateLimit.UploadLimit,
		"upload_window": in.RateLimit.UploadWindow.String(),
	}
	if in.RateLimit.RedisAddr != "" {
		throttle["driver"] = "redis"
		throttle["addr"] = in.RateLimit.RedisAddr
	}

	auth := map[string]any{"enabled": !in.AuthDisabled, "service_tokens": in.ServiceTokens}

	return startupSummary{fields: []any{
		"mode", in.Mode,
		"addr", in.Addr,
		"datastore", datastore,
		"session_store", session,
		"job_queue", queue,
		"upload_throttle", throttle,
		"auth", auth,
	}}
}

func (s startupSummary) LogArgs() []any {
	return append([]any(nil), s.fields...)
}
