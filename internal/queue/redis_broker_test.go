package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, "ticket-processing"), mr
}

func TestRedisBrokerClaimCompleteCycle(t *testing.T) {
	ctx := context.Background()
	broker, _ := newRedisBroker(t)
	now := time.Now()

	job := &Job{ID: "j1", Name: "process-ticket", Payload: []byte(`{"ticketId":"t1"}`), MaxAttempts: 3, RunAt: now}
	if err := broker.Push(ctx, job); err != nil {
		t.Fatalf("Push: %v", err)
	}

	claimed, err := broker.Claim(ctx, now, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v %v", claimed, err)
	}
	if claimed.Attempt != 1 || claimed.State != StateActive {
		t.Fatalf("claimed = %+v", claimed)
	}
	var payload struct {
		TicketID string `json:"ticketId"`
	}
	if err := claimed.Decode(&payload); err != nil || payload.TicketID != "t1" {
		t.Fatalf("payload = %+v, %v", payload, err)
	}

	if other, err := broker.Claim(ctx, now, time.Minute); err != nil || other != nil {
		t.Fatalf("second claim = %v, %v", other, err)
	}

	if err := broker.Complete(ctx, claimed); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	counts, err := broker.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Completed != 1 || counts.Active != 0 || counts.Waiting != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	if _, err := broker.Get(ctx, "j1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("completed job should be removed, err = %v", err)
	}
}

func TestRedisBrokerConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	broker, _ := newRedisBroker(t)
	now := time.Now()
	_ = broker.Push(ctx, &Job{ID: "only", Name: "work", MaxAttempts: 1, RunAt: now})

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := broker.Claim(ctx, now, time.Minute)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestRedisBrokerRetryAndBury(t *testing.T) {
	ctx := context.Background()
	broker, _ := newRedisBroker(t)
	now := time.Now()
	_ = broker.Push(ctx, &Job{ID: "j2", Name: "work", MaxAttempts: 2, RunAt: now})

	job, _ := broker.Claim(ctx, now, time.Minute)
	job.LastError = "provider unavailable"
	if err := broker.Retry(ctx, job, now.Add(time.Second)); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if early, _ := broker.Claim(ctx, now, time.Minute); early != nil {
		t.Fatal("claimed before backoff elapsed")
	}

	job, err := broker.Claim(ctx, now.Add(time.Second), time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim after backoff: %v %v", job, err)
	}
	if job.Attempt != 2 || job.LastError != "provider unavailable" {
		t.Fatalf("retried job = %+v", job)
	}

	job.UpdatedAt = now
	if err := broker.Bury(ctx, job); err != nil {
		t.Fatalf("Bury: %v", err)
	}
	stored, err := broker.Get(ctx, "j2")
	if err != nil || stored.State != StateDead {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	counts, _ := broker.Counts(ctx)
	if counts.Dead != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestRedisBrokerReapsExpiredLease(t *testing.T) {
	ctx := context.Background()
	broker, mr := newRedisBroker(t)
	now := time.Now()
	_ = broker.Push(ctx, &Job{ID: "j3", Name: "work", MaxAttempts: 3, RunAt: now})

	stale, _ := broker.Claim(ctx, now, 2*time.Second)
	if stale == nil {
		t.Fatal("no claim")
	}

	if n, err := broker.Reap(ctx, now.Add(3*time.Second)); err != nil || n != 0 {
		t.Fatalf("reaped while lease key alive: %d %v", n, err)
	}

	mr.FastForward(3 * time.Second)
	n, err := broker.Reap(ctx, now.Add(3*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("Reap = %d, %v", n, err)
	}

	fresh, err := broker.Claim(ctx, now.Add(3*time.Second), time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("reclaim: %v %v", fresh, err)
	}
	if err := broker.Complete(ctx, stale); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale complete err = %v", err)
	}
	if err := broker.Complete(ctx, fresh); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestQueueOverRedisRetriesThenSucceeds(t *testing.T) {
	broker, _ := newRedisBroker(t)
	q := newTestQueue(t, broker, 2)

	calls := make(chan int, 8)
	q.Register("process-ticket", func(ctx context.Context, job *Job) error {
		calls <- job.Attempt
		if job.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if _, err := q.Enqueue(context.Background(), "process-ticket", map[string]string{"ticketId": "t9"}, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runQueue(t, q)

	for want := 1; want <= 3; want++ {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("attempt = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never ran", want)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, _ := broker.Counts(context.Background())
		if counts.Completed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %+v", counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
