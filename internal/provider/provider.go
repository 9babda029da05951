// Package provider drains a dataset to every connected client, one record
// per interval, after pushing the initial records on connect.
package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/galadrimteam/sockfeed/internal/dataset"
	"github.com/galadrimteam/sockfeed/internal/envelope"
	"github.com/galadrimteam/sockfeed/internal/logging"
	"github.com/galadrimteam/sockfeed/internal/metrics"
	"github.com/galadrimteam/sockfeed/internal/transport"
)

const DefaultInterval = 5 * time.Second

// BroadcastType tags a push for logs and metrics. The wire envelope does not
// carry it.
type BroadcastType string

const (
	BroadcastInitial BroadcastType = "initial"
	BroadcastUpdate  BroadcastType = "update"
)

// connState is owned by the provider, never attached to the transport's
// connection object.
type connState struct {
	conn         transport.Conn
	logger       *slog.Logger
	disconnected bool
	queue        []dataset.Record
	timer        clockwork.Timer
}

// Provider is the per-connection broadcast scheduler.
type Provider struct {
	server    *transport.Server
	initial   []dataset.Record
	recurring []dataset.Record
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*connState
}

type Option func(*Provider)

func WithInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// New creates a provider. initial is pushed once on connect; recurring is
// drained one record per tick and then sent whole as the final snapshot.
// Both slices are treated as read-only.
func New(server *transport.Server, initial, recurring []dataset.Record, opts ...Option) *Provider {
	p := &Provider{
		server:    server,
		initial:   initial,
		recurring: recurring,
		interval:  DefaultInterval,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		conns:     make(map[string]*connState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach registers the provider's lifecycle handlers on its server.
func (p *Provider) Attach() *transport.Server {
	return p.server.SetHandlers(p.onConnect, p.onDisconnect)
}

// Start attaches to the server and serves until ctx is cancelled.
func (p *Provider) Start(ctx context.Context) error {
	return p.Attach().Start(ctx)
}

// Connections returns the number of connections with live state.
func (p *Provider) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Pending reports whether a tick is armed for the connection.
func (p *Provider) Pending(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.conns[connID]
	return ok && st.timer != nil
}

func (p *Provider) onConnect(c transport.Conn) {
	logger := logging.WithConn(p.logger, c.ID()).With("remote", c.RemoteAddr())
	logger.Info("Client connected")

	c.OnData(func(data []byte) {
		p.metrics.MessageReceived()
		logger.Info("Received client data", "data", string(data))
	})

	if len(p.initial) > 0 {
		p.write(c, logger, p.initial, BroadcastInitial)
	}

	// One record is dropped so the first drain already leaves the queue one
	// short of the full snapshot sent once it runs dry.
	queue := dataset.Clone(p.recurring)
	if len(queue) > 0 {
		queue = queue[:len(queue)-1]
	}

	st := &connState{conn: c, logger: logger, queue: queue}

	p.mu.Lock()
	p.conns[c.ID()] = st
	p.arm(st)
	p.mu.Unlock()
}

func (p *Provider) onDisconnect(c transport.Conn) {
	p.mu.Lock()
	st, ok := p.conns[c.ID()]
	if ok {
		st.disconnected = true
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		delete(p.conns, c.ID())
	}
	p.mu.Unlock()

	c.RemoveDataListener()
	if ok {
		st.logger.Info("Client disconnected")
	}
}

// arm schedules the next tick. Callers hold p.mu.
func (p *Provider) arm(st *connState) {
	st.timer = p.clock.AfterFunc(p.interval, func() { p.tick(st) })
}

// tick runs one drain step. The disconnected check and the write happen
// under p.mu, so nothing is written once onDisconnect has run.
func (p *Provider) tick(st *connState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st.timer = nil
	if st.disconnected {
		return
	}

	if len(st.queue) == 0 {
		// Exhausted: one full snapshot, no further ticks.
		p.write(st.conn, st.logger, dataset.Clone(p.recurring), BroadcastUpdate)
		return
	}

	record := st.queue[0]
	st.queue = st.queue[1:]

	st.logger.Debug("Broadcasting data to client")
	p.write(st.conn, st.logger, record, BroadcastUpdate)
	p.arm(st)
}

func (p *Provider) write(c transport.Conn, logger *slog.Logger, payload any, typ BroadcastType) {
	err := p.server.Broadcast(c, envelope.Wrap(payload))
	p.metrics.Broadcast(string(typ), err)
	if err != nil {
		logger.Warn("Broadcast failed", "type", typ, "error", err)
	}
}
