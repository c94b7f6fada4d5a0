// Package gateway relays bus events to every connected observer over a
// long-lived event stream.
package gateway

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/pkg/sse"
)

const gaugeConnections = "gateway_connections"

// Gateway holds the live connection set. The lock covers membership only;
// frames are handed to per-connection mailboxes and written by each
// connection's own writer.
type Gateway struct {
	heartbeat time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// New builds a gateway. heartbeat <= 0 disables keep-alive comments.
func New(heartbeat time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[string]*Conn),
	}
}

// Attach subscribes the gateway to bus. The returned function detaches it.
func (g *Gateway) Attach(ctx context.Context, bus events.Bus) (func(), error) {
	return bus.Subscribe(ctx, func(_ context.Context, event events.Event) {
		g.Relay(event)
	})
}

// Add registers a new connection.
func (g *Gateway) Add() *Conn {
	conn := newConn(uuid.NewString())
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return conn
	}
	g.conns[conn.id] = conn
	n := len(g.conns)
	g.mu.Unlock()

	g.metrics.SetGauge(gaugeConnections, int64(n))
	g.logger.Info("observer connected", zap.String("conn_id", conn.id), zap.Int("connections", n))
	return conn
}

// Remove closes and forgets a connection. Removing twice is harmless.
func (g *Gateway) Remove(id string) {
	g.mu.Lock()
	conn, ok := g.conns[id]
	delete(g.conns, id)
	n := len(g.conns)
	g.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	g.metrics.SetGauge(gaugeConnections, int64(n))
	g.logger.Info("observer disconnected", zap.String("conn_id", id), zap.Int("connections", n))
}

// Count returns the number of open connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Relay sends event verbatim to every open connection.
func (g *Gateway) Relay(event events.Event) {
	frame, err := events.Encode(event)
	if err != nil {
		g.logger.Error("encode event for relay", zap.Error(err))
		return
	}

	g.mu.RLock()
	targets := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		targets = append(targets, conn)
	}
	g.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(frame)
	}
	g.metrics.Inc(observability.EventsRelayed)
}

// Serve writes conn's frames to w until the connection is closed or a write
// fails, then removes it from the set.
func (g *Gateway) Serve(conn *Conn, w *bufio.Writer) {
	err := conn.serve(w, g.heartbeat)
	if err != nil {
		g.metrics.Inc(observability.GatewayEvicted)
		g.logger.Debug("observer write failed", zap.String("conn_id", conn.id), zap.Error(err))
	}
	g.Remove(conn.id)
}

// Close drops every connection and refuses new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := g.conns
	g.conns = make(map[string]*Conn)
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Conn is one observer connection with an unbounded mailbox.
type Conn struct {
	id string

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newConn(id string) *Conn {
	return &Conn{id: id, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the writer.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	c.pending = append(c.pending, frame)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func (c *Conn) serve(w *bufio.Writer, heartbeat time.Duration) error {
	if err := sse.WriteComment(w, "connected"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var beat <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-c.done:
			return nil
		case <-beat:
			if err := sse.WriteComment(w, "heartbeat"); err != nil {
				return err
			}
		case <-c.wake:
			for _, frame := range c.drain() {
				if err := sse.WriteData(w, frame); err != nil {
					return err
				}
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
