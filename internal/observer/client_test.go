package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/clock"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/testutil"
	"github.com/spec-kit/triage-service/pkg/sse"
)

func TestBackoff(t *testing.T) {
	base, limit := time.Second, 30*time.Second
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, limit, tc.retries); got != tc.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

type retryRecord struct {
	retry int
	delay time.Duration
}

// drive advances the fake clock past every reconnect wait and returns the
// first n recorded waits.
func drive(t *testing.T, clk *clock.FakeClock, retries <-chan retryRecord, n int) []retryRecord {
	t.Helper()
	var out []retryRecord
	for len(out) < n {
		rec := testutil.RequireReceive(t, retries, 2*time.Second, "retry %d", len(out)+1)
		out = append(out, rec)
		clk.WaitForTimers(1)
		clk.Advance(rec.delay)
	}
	return out
}

func newTestClient(url string, clk clock.Clock, buffer int) (*Client, chan retryRecord) {
	c := New(Config{URL: url, BaseDelay: time.Second, MaxDelay: 5 * time.Second, BufferSize: buffer}, nil, clk, zap.NewNop())
	retries := make(chan retryRecord, 16)
	c.OnRetry = func(retry int, delay time.Duration, _ error) {
		retries <- retryRecord{retry: retry, delay: delay}
	}
	return c, retries
}

func TestRunBacksOffOnConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := clock.Fake(time.Unix(0, 0))
	c, retries := newTestClient(srv.URL, clk, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func(events.Event) {}) }()

	got := drive(t, clk, retries, 5)
	// After N failures the wait is min(base*2^N, cap).
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, rec := range got {
		if rec.delay != want[i] || rec.retry != i+1 {
			t.Fatalf("retry %d = %+v, want delay %v", i, rec, want[i])
		}
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 2*time.Second, "run exit"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
}

func writeFrames(t *testing.T, w http.ResponseWriter, frames ...events.Event) {
	w.Header().Set("Content-Type", sse.ContentType)
	w.WriteHeader(http.StatusOK)
	_ = sse.WriteComment(w, "connected")
	for _, e := range frames {
		raw, err := events.Encode(e)
		if err != nil {
			t.Errorf("Encode: %v", err)
			return
		}
		_ = sse.WriteData(w, raw)
	}
	w.(http.Flusher).Flush()
}

func TestSuccessfulOpenResetsRetryCount(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) != 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeFrames(t, w, events.TicketPartial("t1", "hi"))
	}))
	defer srv.Close()

	clk := clock.Fake(time.Unix(0, 0))
	c, retries := newTestClient(srv.URL, clk, 4)

	var mu sync.Mutex
	var states []State
	c.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	received := make(chan events.Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, func(e events.Event) { received <- e }) }()

	got := drive(t, clk, retries, 4)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, rec := range got {
		if rec.delay != want[i] {
			t.Fatalf("waits = %+v, want %v", got, want)
		}
	}
	if e := testutil.RequireReceive(t, received, time.Second, "event"); e.Delta != "hi" {
		t.Fatalf("event = %+v", e)
	}

	mu.Lock()
	defer mu.Unlock()
	sawOpen := false
	for _, s := range states {
		sawOpen = sawOpen || s == StateOpen
	}
	if !sawOpen {
		t.Fatalf("states = %v", states)
	}
}

func TestEventsDeliveredInOrderWithSlowHandler(t *testing.T) {
	const total = 50
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != sse.ContentType {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		frames := make([]events.Event, 0, total)
		for i := 0; i < total; i++ {
			frames = append(frames, events.TicketPartial("t1", fmt.Sprintf("%d,", i)))
		}
		writeFrames(t, w, frames...)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, clock.Fake(time.Unix(0, 0)), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go func() {
		_ = c.Run(ctx, func(e events.Event) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			got = append(got, e.Delta)
			mu.Unlock()
		})
	}()

	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= total
	}, "all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, delta := range got[:total] {
		if delta != fmt.Sprintf("%d,", i) {
			t.Fatalf("event %d = %q", i, delta)
		}
	}
}

func TestFetchTickets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tickets" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"t1","content":"refund please","status":"PROCESSED","draftReply":"Sure."}]}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL + "/"}, nil, nil, zap.NewNop())
	tickets, err := c.FetchTickets(context.Background())
	if err != nil {
		t.Fatalf("FetchTickets: %v", err)
	}
	if len(tickets) != 1 || tickets[0].ID != "t1" || *tickets[0].DraftReply != "Sure." {
		t.Fatalf("tickets = %+v", tickets)
	}
}
