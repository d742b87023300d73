package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2 got %d err=%v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-a" {
		t.Fatalf("expected FIFO order, got %q", id)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// No lease should remain to reclaim after ack.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected nothing to reclaim, got %v", reclaimed)
	}
}

func TestDequeueEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Pretend the visibility deadline passed without an ack.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "job-a" {
		t.Fatalf("expected job-a reclaimed, got %v", reclaimed)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-a" {
		t.Fatalf("expected job-a back in ready, got %q err=%v", id, err)
	}
}

func TestRemoveCancelsQueuedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, "job-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("expected removed job to be gone, got %q", id)
	}
}
