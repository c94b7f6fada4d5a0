package queue

import "errors"

var (
	// ErrLeaseLost is returned when a job is settled by a worker that no longer
	// holds its claim.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound is returned by Broker.Get for unknown ids.
	ErrJobNotFound = errors.New("job not found")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is moved to the dead set
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
