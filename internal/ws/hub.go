// Package ws is the WebSocket hub. It accepts client connections, runs one
// serialized reader loop per connection routing typed JSON frames into the
// per-connection service context, and sweeps connections whose heartbeat has
// gone stale.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/observe"
	"github.com/ariavoice/aria/internal/wake"
)

const (
	// heartbeatTTL is how long a connection may go without a heartbeat
	// before the sweeper drops it.
	heartbeatTTL = 60 * time.Second

	// sweepInterval is how often the sweeper checks for stale connections.
	sweepInterval = 30 * time.Second

	// micSampleRate is the PCM sample rate the client streams.
	micSampleRate = 16000

	// writeTimeout bounds one outbound frame write.
	writeTimeout = 5 * time.Second
)

// Hub owns all live connections and the shared per-process state they use:
// the config snapshot, the provider registry, the history store, and the
// wake-word gate.
type Hub struct {
	log     *slog.Logger
	metrics *observe.Metrics

	cfg      *config.Config
	registry *config.Registry
	store    history.Store
	gate     *wake.Gate

	backgroundsDir string
	ttl            time.Duration
	sweepEvery     time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithHistoryStore enables history persistence for all connections.
func WithHistoryStore(store history.Store) Option {
	return func(h *Hub) { h.store = store }
}

// WithGate sets the shared wake-word gate. Without it the hub creates one.
func WithGate(gate *wake.Gate) Option {
	return func(h *Hub) { h.gate = gate }
}

// WithBackgroundsDir sets the directory scanned for fetch-backgrounds.
func WithBackgroundsDir(dir string) Option {
	return func(h *Hub) { h.backgroundsDir = dir }
}

// WithHeartbeat overrides the heartbeat TTL and sweep interval.
func WithHeartbeat(ttl, sweepEvery time.Duration) Option {
	return func(h *Hub) {
		h.ttl = ttl
		h.sweepEvery = sweepEvery
	}
}

// NewHub creates a Hub serving cfg with providers from registry.
func NewHub(cfg *config.Config, registry *config.Registry, opts ...Option) *Hub {
	h := &Hub{
		log:            slog.Default(),
		metrics:        observe.DefaultMetrics(),
		cfg:            cfg,
		registry:       registry,
		backgroundsDir: "backgrounds",
		ttl:            heartbeatTTL,
		sweepEvery:     sweepInterval,
		conns:          make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.gate == nil {
		h.gate = wake.New(wake.WithLogger(h.log), wake.WithMetrics(h.metrics))
	}
	return h
}

// Gate returns the shared wake-word gate.
func (h *Hub) Gate() *wake.Gate { return h.gate }

// ServeHTTP upgrades the request and serves the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(h, sock)
	h.add(c)
	defer h.remove(c.uid)
	c.run(r.Context())
}

// Run drives the heartbeat sweeper until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll("server shutting down")
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep disconnects every connection whose last heartbeat is older than the
// TTL.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-h.ttl)
	for _, c := range h.snapshot() {
		if c.lastSeen().Before(cutoff) {
			h.log.Info("disconnecting stale connection", "client", c.uid)
			c.shutdown("heartbeat timeout")
		}
	}
}

// Broadcast sends one frame to every connection, best-effort.
func (h *Hub) Broadcast(v any) {
	for _, c := range h.snapshot() {
		c.send(v)
	}
}

// CloseAll disconnects every connection with the given reason.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.snapshot() {
		c.shutdown(reason)
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.uid] = c
}

func (h *Hub) remove(uid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, uid)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
