package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	token    string
	deadline time.Time
}

// MemoryBroker keeps jobs in process memory. Jobs do not survive a restart.
type MemoryBroker struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   map[string]time.Time
	active    map[string]memoryLease
	dead      map[string]struct{}
	completed int64
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs:    make(map[string]*Job),
		waiting: make(map[string]time.Time),
		active:  make(map[string]memoryLease),
		dead:    make(map[string]struct{}),
	}
}

func (b *MemoryBroker) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := job.clone()
	stored.State = StateWaiting
	b.jobs[job.ID] = stored
	b.waiting[job.ID] = job.RunAt
	return nil
}

func (b *MemoryBroker) Claim(_ context.Context, now time.Time, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		chosen string
		best   time.Time
	)
	for id, runAt := range b.waiting {
		if runAt.After(now) {
			continue
		}
		if chosen == "" || runAt.Before(best) {
			chosen, best = id, runAt
		}
	}
	if chosen == "" {
		return nil, nil
	}

	delete(b.waiting, chosen)
	job := b.jobs[chosen]
	job.Attempt++
	job.State = StateActive
	job.UpdatedAt = now
	token := uuid.NewString()
	b.active[chosen] = memoryLease{token: token, deadline: now.Add(lease)}

	claimed := job.clone()
	claimed.lease = token
	return claimed, nil
}

func (b *MemoryBroker) owns(job *Job) bool {
	l, ok := b.active[job.ID]
	return ok && l.token == job.lease
}

func (b *MemoryBroker) Extend(_ context.Context, job *Job, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owns(job) {
		return ErrLeaseLost
	}
	b.active[job.ID] = memoryLease{token: job.lease, deadline: until}
	return nil
}

func (b *MemoryBroker) Complete(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owns(job) {
		return ErrLeaseLost
	}
	delete(b.active, job.ID)
	stored := job.clone()
	stored.State = StateCompleted
	stored.lease = ""
	b.jobs[job.ID] = stored
	b.completed++
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owns(job) {
		return ErrLeaseLost
	}
	delete(b.active, job.ID)
	stored := job.clone()
	stored.State = StateWaiting
	stored.RunAt = runAt
	stored.lease = ""
	b.jobs[job.ID] = stored
	b.waiting[job.ID] = runAt
	return nil
}

func (b *MemoryBroker) Bury(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owns(job) {
		return ErrLeaseLost
	}
	delete(b.active, job.ID)
	stored := job.clone()
	stored.State = StateDead
	stored.lease = ""
	b.jobs[job.ID] = stored
	b.dead[job.ID] = struct{}{}
	return nil
}

func (b *MemoryBroker) Reap(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reaped := 0
	for id, l := range b.active {
		if l.deadline.After(now) {
			continue
		}
		delete(b.active, id)
		b.jobs[id].State = StateWaiting
		b.jobs[id].RunAt = now
		b.waiting[id] = now
		reaped++
	}
	return reaped, nil
}

func (b *MemoryBroker) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (b *MemoryBroker) Counts(context.Context) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Waiting:   int64(len(b.waiting)),
		Active:    int64(len(b.active)),
		Dead:      int64(len(b.dead)),
		Completed: b.completed,
	}, nil
}
