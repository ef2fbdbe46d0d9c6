package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionPurger is the part of the session manager the purge loop calls.
type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// purgeTicker lets tests fire purges by hand instead of waiting on a clock.
type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startSessionPurgeWorker deletes expired operator sessions from the
// session store every --session-purge-interval. With no session manager or a
// non-positive interval it starts nothing. The returned stop func cancels the
// loop and blocks until it has exited; calling it again is a no-op.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	return startSessionPurgeWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := sessions.PurgeExpired(workerCtx)
				if logger == nil {
					continue
				}
				if err != nil {
					logger.Error("failed to purge expired sessions", "error", err)
					continue
				}
				if removed > 0 {
					logger.Debug("purged expired sessions", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
