package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/testutil"
	"github.com/spec-kit/triage-service/pkg/sse"
)

type observer struct {
	conn   *Conn
	frames chan events.Event
	served chan struct{}
	reader *io.PipeReader
}

// connect attaches a piped observer and decodes what the gateway writes.
func connect(t *testing.T, g *Gateway) *observer {
	t.Helper()
	pr, pw := io.Pipe()
	o := &observer{conn: g.Add(), frames: make(chan events.Event, 64), served: make(chan struct{}), reader: pr}
	go func() {
		defer close(o.served)
		g.Serve(o.conn, bufio.NewWriter(pw))
		_ = pw.Close()
	}()
	go func() {
		scanner := sse.NewScanner(pr)
		for scanner.Next() {
			event, err := events.Decode([]byte(scanner.Event().Data))
			if err != nil {
				t.Errorf("decode frame: %v", err)
				continue
			}
			o.frames <- event
		}
		close(o.frames)
	}()
	t.Cleanup(func() { _ = pr.Close() })
	return o
}

func newGateway() *Gateway {
	return New(0, zap.NewNop(), observability.NewMetrics())
}

func TestRelayReachesEveryConnectionInOrder(t *testing.T) {
	g := newGateway()
	a, b := connect(t, g), connect(t, g)

	for _, d := range []string{"one ", "two ", "three"} {
		g.Relay(events.TicketPartial("t1", d))
	}
	for _, o := range []*observer{a, b} {
		for _, want := range []string{"one ", "two ", "three"} {
			got := testutil.RequireReceive(t, o.frames, time.Second, "frame %q", want)
			if got.Delta != want || got.TicketID != "t1" {
				t.Fatalf("got %+v, want delta %q", got, want)
			}
		}
	}
	if g.Count() != 2 {
		t.Fatalf("count = %d", g.Count())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteFailureRemovesConnection(t *testing.T) {
	metrics := observability.NewMetrics()
	g := New(0, zap.NewNop(), metrics)
	conn := g.Add()
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Serve(conn, bufio.NewWriterSize(failingWriter{}, 16))
	}()
	testutil.RequireClosed(t, done, time.Second, "serve returns on write failure")
	if g.Count() != 0 {
		t.Fatalf("count = %d", g.Count())
	}
	if metrics.Counter(observability.GatewayEvicted) != 1 {
		t.Fatal("eviction not counted")
	}
	// Relaying to a set without the dead connection is a no-op.
	g.Relay(events.TicketPartial("t1", "x"))
}

func TestSlowObserverDoesNotBlockOthers(t *testing.T) {
	g := newGateway()

	// The stalled observer never reads, so its writer blocks in Flush.
	stalledReader, stalledWriter := io.Pipe()
	stalled := g.Add()
	go g.Serve(stalled, bufio.NewWriterSize(stalledWriter, 16))
	t.Cleanup(func() {
		_ = stalledReader.Close()
	})

	fast := connect(t, g)
	for i := 0; i < 100; i++ {
		g.Relay(events.TicketPartial("t1", "x"))
	}
	for i := 0; i < 100; i++ {
		testutil.RequireReceive(t, fast.frames, time.Second, "frame %d", i)
	}
}

func TestMembershipChangesDuringRelay(t *testing.T) {
	g := newGateway()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				g.Relay(events.TicketPartial("t1", "x"))
			}
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				conn := g.Add()
				g.Remove(conn.ID())
				g.Remove(conn.ID())
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	if g.Count() != 0 {
		t.Fatalf("count = %d", g.Count())
	}
}

func TestAttachRelaysBusEvents(t *testing.T) {
	g := newGateway()
	bus := events.NewMemoryBus(zap.NewNop())
	detach, err := g.Attach(context.Background(), bus)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	o := connect(t, g)
	_ = bus.Publish(context.Background(), events.TicketPartial("t9", "hi"))
	if got := testutil.RequireReceive(t, o.frames, time.Second, "relayed"); got.TicketID != "t9" {
		t.Fatalf("got %+v", got)
	}

	detach()
	_ = bus.Publish(context.Background(), events.TicketPartial("t9", "late"))
	testutil.RequireNoReceive(t, o.frames, 30*time.Millisecond, "after detach")
}

func TestCloseEndsServing(t *testing.T) {
	g := newGateway()
	o := connect(t, g)
	g.Close()
	testutil.RequireClosed(t, o.served, time.Second, "serve stops on close")
	if late := g.Add(); late == nil {
		t.Fatal("Add returned nil")
	} else {
		select {
		case <-late.Done():
		default:
			t.Fatal("connection added after close should be closed")
		}
	}
}

func TestHeartbeatComments(t *testing.T) {
	g := New(5*time.Millisecond, zap.NewNop(), observability.NewMetrics())
	pr, pw := io.Pipe()
	conn := g.Add()
	go g.Serve(conn, bufio.NewWriter(pw))
	t.Cleanup(func() {
		g.Remove(conn.ID())
		_ = pr.Close()
	})

	reader := bufio.NewReader(pr)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()
	if first := testutil.RequireReceive(t, lines, time.Second, "connected comment"); first != ": connected\n" {
		t.Fatalf("first = %q", first)
	}
	testutil.Eventually(t, time.Second, func() bool {
		select {
		case line := <-lines:
			return line == ": heartbeat\n"
		default:
			return false
		}
	}, "heartbeat")
}
