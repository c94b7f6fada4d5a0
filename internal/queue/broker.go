package queue

import (
	"context"
	"time"
)

// Counts summarizes a broker's sets.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Dead      int64 `json:"dead"`
	Completed int64 `json:"completed"`
}

// Broker stores jobs and hands each due job to exactly one claimant at a time.
//
// Claim returns (nil, nil) when nothing is due. A claimed job carries a lease
// that expires unless extended; Reap returns jobs with expired leases to the
// waiting set so a crashed worker does not strand them. Complete, Retry, Bury
// and Extend fail with ErrLeaseLost when the caller no longer owns the lease.
type Broker interface {
	Push(ctx context.Context, job *Job) error
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*Job, error)
	Extend(ctx context.Context, job *Job, until time.Time) error
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, runAt time.Time) error
	Bury(ctx context.Context, job *Job) error
	Reap(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	Counts(ctx context.Context) (Counts, error)
}
