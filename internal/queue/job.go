package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State is the lifecycle position of a job inside a broker.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Backoff is an exponential retry schedule: Delay * Multiplier^attemptIndex,
// capped at Max when Max is positive.
type Backoff struct {
	Delay      time.Duration `json:"delay"`
	Multiplier float64       `json:"multiplier"`
	Max        time.Duration `json:"max,omitempty"`
}

// ExponentialBackoff doubles delay on each retry.
func ExponentialBackoff(delay time.Duration) Backoff {
	return Backoff{Delay: delay, Multiplier: 2}
}

// Next returns the wait before the retry that follows failed attempt
// attemptIndex (zero-based).
func (b Backoff) Next(attemptIndex int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	wait := float64(b.Delay) * math.Pow(multiplier, float64(attemptIndex))
	if b.Max > 0 && wait > float64(b.Max) {
		return b.Max
	}
	if wait > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(wait)
}

// Options control retry behavior for one job.
type Options struct {
	Attempts int
	Backoff  Backoff
}

// Job is a durable unit of work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	State       State           `json:"state"`
	LastError   string          `json:"lastError,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// lease identifies the current claim; only the claimant may settle the job.
	lease string
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// FinalAttempt reports whether a failure of the current attempt exhausts the job.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}
