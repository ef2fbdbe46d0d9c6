package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// Queue records jobs for asynchronous execution. Each job is delivered to a
// single subscriber.
type Queue interface {
	// Enqueue records every job or returns an error; it does not wait for
	// any job to run.
	Enqueue(ctx context.Context, jobs ...Job) error
	Subscribe() Subscription
	// Depth reports how many jobs are recorded but not yet acknowledged.
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// Subscription streams deliveries until Close.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close()
}

// Delivery is one job handed to a consumer. Ack marks it finished so it is
// never redelivered.
type Delivery struct {
	Job Job
	ack func(context.Context) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// NewMemoryQueue returns an in-process queue for single-binary deployments
// and tests. Jobs live only as long as the process.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &memoryQueue{
		jobs:   make(chan Job, buffer),
		closed: make(chan struct{}),
	}
}

type memoryQueue struct {
	jobs chan Job

	mu      sync.Mutex
	pending int64
	once    sync.Once
	closed  chan struct{}
}

func (q *memoryQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
	}
	for _, job := range jobs {
		select {
		case <-q.closed:
			return ErrQueueClosed
		default:
		}
		select {
		case q.jobs <- job:
			q.adjust(1)
		case <-q.closed:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *memoryQueue) adjust(delta int64) {
	q.mu.Lock()
	q.pending += delta
	q.mu.Unlock()
}

func (q *memoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Delivery),
		done:  make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (q *memoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

type memorySubscription struct {
	queue *memoryQueue
	ch    chan Delivery
	once  sync.Once
	done  chan struct{}
}

func (s *memorySubscription) Deliveries() <-chan Delivery {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) run() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.closed:
			return
		case job := <-s.queue.jobs:
			var acked sync.Once
			delivery := Delivery{Job: job, ack: func(context.Context) error {
				acked.Do(func() { s.queue.adjust(-1) })
				return nil
			}}
			select {
			case s.ch <- delivery:
			case <-s.done:
				s.requeue(job)
				return
			}
		}
	}
}

// requeue hands a job taken off the channel back to the remaining
// subscribers when this one closes before delivering it.
func (s *memorySubscription) requeue(job Job) {
	select {
	case s.queue.jobs <- job:
	default:
		go func() {
			select {
			case s.queue.jobs <- job:
			case <-s.queue.closed:
			}
		}()
	}
}
