package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScan bounds how many due ids one Claim call inspects.
const claimScan = 10

// RedisBroker stores jobs in Redis so any number of worker processes can share
// a queue. Layout under triage:queue:{name}:
//
//	job:{id}   JSON-encoded Job
//	wait       zset of due/delayed ids scored by run-at (unix ms)
//	active     zset of claimed ids scored by lease deadline
//	dead       zset of exhausted ids scored by burial time
//	lock:{id}  lease token, SET NX PX; the single-flight guard
//	completed  counter
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker returns a broker for the named queue.
func NewRedisBroker(client *redis.Client, name string) *RedisBroker {
	return &RedisBroker{client: client, prefix: "triage:queue:" + name}
}

func (b *RedisBroker) jobKey(id string) string  { return b.prefix + ":job:" + id }
func (b *RedisBroker) lockKey(id string) string { return b.prefix + ":lock:" + id }
func (b *RedisBroker) waitKey() string          { return b.prefix + ":wait" }
func (b *RedisBroker) activeKey() string        { return b.prefix + ":active" }
func (b *RedisBroker) deadKey() string          { return b.prefix + ":dead" }
func (b *RedisBroker) completedKey() string     { return b.prefix + ":completed" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (b *RedisBroker) Push(ctx context.Context, job *Job) error {
	stored := job.clone()
	stored.State = StateWaiting
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.jobKey(job.ID), raw, 0)
		pipe.ZAdd(ctx, b.waitKey(), redis.Z{Score: score(job.RunAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.waitKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: claimScan,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}

	for _, id := range ids {
		job, err := b.tryClaim(ctx, id, now, lease)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func (b *RedisBroker) tryClaim(ctx context.Context, id string, now time.Time, lease time.Duration) (*Job, error) {
	token := uuid.NewString()
	locked, err := b.client.SetNX(ctx, b.lockKey(id), token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}
	if !locked {
		return nil, nil
	}

	var removed *redis.IntCmd
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, b.waitKey(), id)
		pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: score(now.Add(lease)), Member: id})
		return nil
	})
	if err != nil {
		b.client.Del(ctx, b.lockKey(id))
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}
	if removed.Val() == 0 {
		// Settled by a previous holder between our scan and lock.
		b.release(ctx, id)
		return nil, nil
	}

	raw, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		b.release(ctx, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Attempt++
	job.State = StateActive
	job.UpdatedAt = now
	if err := b.save(ctx, b.client, &job); err != nil {
		return nil, err
	}
	job.lease = token
	return &job, nil
}

func (b *RedisBroker) release(ctx context.Context, id string) {
	b.client.ZRem(ctx, b.activeKey(), id)
	b.client.Del(ctx, b.lockKey(id))
}

func (b *RedisBroker) save(ctx context.Context, c redis.Cmdable, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := c.Set(ctx, b.jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// settle runs fn in a MULTI block guarded by WATCH on the lease key, so a
// worker whose lease expired cannot overwrite the next claimant's state.
func (b *RedisBroker) settle(ctx context.Context, job *Job, fn func(pipe redis.Pipeliner) error) error {
	lockKey := b.lockKey(job.ID)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, lockKey).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != job.lease) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, fn)
		return err
	}, lockKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrLeaseLost
	}
	return err
}

func (b *RedisBroker) Extend(ctx context.Context, job *Job, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return b.settle(ctx, job, func(pipe redis.Pipeliner) error {
		pipe.PExpire(ctx, b.lockKey(job.ID), ttl)
		pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: score(until), Member: job.ID})
		return nil
	})
}

func (b *RedisBroker) Complete(ctx context.Context, job *Job) error {
	return b.settle(ctx, job, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.activeKey(), job.ID)
		pipe.Del(ctx, b.jobKey(job.ID), b.lockKey(job.ID))
		pipe.Incr(ctx, b.completedKey())
		return nil
	})
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	stored := job.clone()
	stored.State = StateWaiting
	stored.RunAt = runAt
	return b.settle(ctx, job, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, stored); err != nil {
			return err
		}
		pipe.ZRem(ctx, b.activeKey(), job.ID)
		pipe.ZAdd(ctx, b.waitKey(), redis.Z{Score: score(runAt), Member: job.ID})
		pipe.Del(ctx, b.lockKey(job.ID))
		return nil
	})
}

func (b *RedisBroker) Bury(ctx context.Context, job *Job) error {
	stored := job.clone()
	stored.State = StateDead
	return b.settle(ctx, job, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, stored); err != nil {
			return err
		}
		pipe.ZRem(ctx, b.activeKey(), job.ID)
		pipe.ZAdd(ctx, b.deadKey(), redis.Z{Score: score(stored.UpdatedAt), Member: job.ID})
		pipe.Del(ctx, b.lockKey(job.ID))
		return nil
	})
}

func (b *RedisBroker) Reap(ctx context.Context, now time.Time) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		token := uuid.NewString()
		locked, err := b.client.SetNX(ctx, b.lockKey(id), token, 5*time.Second).Result()
		if err != nil {
			return reaped, fmt.Errorf("lock expired job %s: %w", id, err)
		}
		if !locked {
			// Lease key still live; the owner is heartbeating.
			continue
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, b.activeKey(), id)
			pipe.ZAdd(ctx, b.waitKey(), redis.Z{Score: score(now), Member: id})
			pipe.Del(ctx, b.lockKey(id))
			return nil
		})
		if err != nil {
			return reaped, fmt.Errorf("requeue expired job %s: %w", id, err)
		}
		reaped++
	}
	return reaped, nil
}

func (b *RedisBroker) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBroker) Counts(ctx context.Context) (Counts, error) {
	var waiting, active, dead *redis.IntCmd
	var completed *redis.StringCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, b.waitKey())
		active = pipe.ZCard(ctx, b.activeKey())
		dead = pipe.ZCard(ctx, b.deadKey())
		completed = pipe.Get(ctx, b.completedKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	done, _ := strconv.ParseInt(completed.Val(), 10, 64)
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Dead:      dead.Val(),
		Completed: done,
	}, nil
}
