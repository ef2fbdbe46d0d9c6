package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"videoflix/internal/models"
)

func receive(t *testing.T, sub Subscription) Delivery {
	t.Helper()
	select {
	case delivery, ok := <-sub.Deliveries():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return delivery
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestMemoryQueueDeliversEachJobOnce(t *testing.T) {
	queue := NewMemoryQueue(16)
	defer queue.Close()

	batch := []Job{NewThumbnailJob(1), NewTranscodeJob(1, models.Resolution480p), NewHLSJob(1, models.Resolution480p)}
	if err := queue.Enqueue(context.Background(), batch...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	subs := []Subscription{queue.Subscribe(), queue.Subscribe()}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	deliveries := make(chan Delivery, len(batch))
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			for {
				select {
				case delivery, ok := <-sub.Deliveries():
					if !ok {
						return
					}
					mu.Lock()
					seen[delivery.Job.ID]++
					mu.Unlock()
					deliveries <- delivery
				case <-time.After(300 * time.Millisecond):
					return
				}
			}
		}(sub)
	}
	wg.Wait()
	close(deliveries)

	if len(seen) != len(batch) {
		t.Fatalf("expected %d distinct jobs, saw %v", len(batch), seen)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s delivered %d times", id, count)
		}
	}

	depth, _ := queue.Depth(context.Background())
	if depth != int64(len(batch)) {
		t.Fatalf("expected depth %d before acks, got %d", len(batch), depth)
	}
	for delivery := range deliveries {
		if err := delivery.Ack(context.Background()); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		// A second ack is a no-op.
		_ = delivery.Ack(context.Background())
	}
	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty queue after acks, got %d", depth)
	}
}

func TestMemoryQueueRejectsInvalidBatch(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()

	err := queue.Enqueue(context.Background(), NewThumbnailJob(1), Job{ID: "bad", Kind: KindHLS, AssetID: 1})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("invalid batch must not be partially recorded, depth %d", depth)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := queue.Enqueue(context.Background(), NewThumbnailJob(1)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	select {
	case _, ok := <-sub.Deliveries():
		if ok {
			t.Fatalf("expected closed delivery channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription did not close with the queue")
	}
}

func TestMemoryQueueEnqueueHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	defer queue.Close()
	if err := queue.Enqueue(context.Background(), NewThumbnailJob(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := queue.Enqueue(ctx, NewThumbnailJob(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}

func TestMemoryQueueClosedSubscriptionHandsJobBack(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()

	first := queue.Subscribe()
	job := NewThumbnailJob(9)
	if err := queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Give the first subscription time to take the job off the channel.
	time.Sleep(50 * time.Millisecond)
	first.Close()

	second := queue.Subscribe()
	defer second.Close()
	delivery := receive(t, second)
	if delivery.Job.ID != job.ID {
		t.Fatalf("expected requeued job %s, got %s", job.ID, delivery.Job.ID)
	}
}
