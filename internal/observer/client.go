// Package observer is the watch-side client for the gateway's push channel.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/clock"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/pkg/sse"
)

// State of the connection.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateOpen       State = "OPEN"
	StateClosed     State = "CLOSED"
)

// Config controls reconnect pacing and buffering.
type Config struct {
	URL        string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	BufferSize int
}

// Handler receives events one at a time, in arrival order.
type Handler func(events.Event)

// Client keeps a live feed open, reconnecting with exponential backoff.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  clock.Clock
	logger *zap.Logger

	// OnState, if set, is called on every state change.
	OnState func(State)
	// OnRetry, if set, is called before each reconnect wait.
	OnRetry func(retry int, delay time.Duration, cause error)

	mu      sync.Mutex
	state   State
	retries int
}

// New builds a client. A nil httpClient uses one without an overall timeout,
// since the stream is long-lived.
func New(cfg Config, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{cfg: cfg, http: httpClient, clock: clk, logger: logger, state: StateClosed}
}

// Backoff returns min(base * 2^retries, max).
func Backoff(base, max time.Duration, retries int) time.Duration {
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of failed or dropped connections since the last open.
func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Run connects and delivers events to handler until ctx is done. Connection
// errors never escape; Run returns ctx.Err().
func (c *Client) Run(ctx context.Context, handler Handler) error {
	for {
		c.setState(StateConnecting)
		err := c.stream(ctx, handler)
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.retries++
		retry := c.retries
		delay := Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, retry)
		c.mu.Unlock()

		c.logger.Warn("observer connection lost", zap.Int("retry", retry), zap.Duration("delay", delay), zap.Error(err))
		if c.OnRetry != nil {
			c.OnRetry(retry, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// stream holds one connection open. Frames are read on a separate goroutine
// into a bounded channel; the caller's goroutine is the single consumer, so a
// slow handler applies backpressure to the socket instead of dropping events.
func (c *Client) stream(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()
	c.setState(StateOpen)

	queue := make(chan events.Event, c.cfg.BufferSize)
	var readErr error
	go func() {
		defer close(queue)
		scanner := sse.NewScanner(resp.Body)
		for scanner.Next() {
			event, err := events.Decode([]byte(scanner.Event().Data))
			if err != nil {
				c.logger.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			select {
			case queue <- event:
			case <-ctx.Done():
				return
			}
		}
		readErr = scanner.Err()
	}()

	for event := range queue {
		handler(event)
	}
	if readErr != nil {
		return readErr
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.OnState != nil {
		c.OnState(s)
	}
}

// FetchTickets loads current ticket state. Observers call it on connect since
// events broadcast before they subscribed are never replayed.
func (c *Client) FetchTickets(ctx context.Context) ([]domain.Ticket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/tickets?limit=200", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tickets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tickets: unexpected status %d", resp.StatusCode)
	}
	var envelope struct {
		Data []domain.Ticket `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Join(errors.New("fetch tickets: decode body"), err)
	}
	return envelope.Data, nil
}
