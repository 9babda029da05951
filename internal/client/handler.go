// Package client consumes a sockfeed stream over a duplex websocket or a
// simplex server-sent events connection and hands each unwrapped payload to
// a callback.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/galadrimteam/sockfeed/internal/envelope"
)

// ConnectionType selects the transport the handler opens.
type ConnectionType string

const (
	ConnectionSimplex ConnectionType = "simplex"
	ConnectionDuplex  ConnectionType = "duplex"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 3333
	DefaultDuplexJS = "/sock/primus.js"
	// DefaultMaxEventSize bounds one server-sent event. Initial pushes and
	// snapshots carry whole datasets in a single event.
	DefaultMaxEventSize = 16 << 20

	defaultPathname = "/sock"
)

var ErrUnknownConnectionType = errors.New("unknown connection type")

// ErrStreamEnded is reported when the server side ends the connection.
// Nothing reconnects afterwards.
var ErrStreamEnded = errors.New("stream ended")

// Config holds the recognized handler options. Zero values take defaults.
type Config struct {
	Host             string
	Port             int
	SSL              bool
	ConnectionType   ConnectionType
	RelativeEndpoint string
	// DuplexJS is the path of the bootstrap manifest fetched before the first
	// duplex connect.
	DuplexJS string
	// MaxEventSize is the largest simplex event accepted, in bytes.
	MaxEventSize int
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectionType == "" {
		c.ConnectionType = ConnectionDuplex
	}
	if c.DuplexJS == "" {
		c.DuplexJS = DefaultDuplexJS
	}
	if c.MaxEventSize <= 0 {
		c.MaxEventSize = DefaultMaxEventSize
	}
	return c
}

// Capabilities describe what the environment already provides. They are
// resolved once and passed in rather than probed at each decision point.
type Capabilities struct {
	// EventSource reports whether a server-sent events client is available.
	EventSource bool
	// DuplexLoaded reports whether the duplex bootstrap is already known.
	// When false the manifest at Config.DuplexJS is fetched first.
	DuplexLoaded bool
	// Pathname is the socket path used once DuplexLoaded is true.
	Pathname string
}

func DefaultCapabilities() Capabilities {
	return Capabilities{EventSource: true}
}

// DataFunc receives the unwrapped payload: a []any for batches, a
// map[string]any for single records.
type DataFunc func(payload any)

type Handler struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	onError    func(error)
	loader     singleflight.Group

	mu      sync.Mutex
	caps    Capabilities
	onData  DataFunc
	duplex  *duplexConn
	simplex *simplexConn
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithCapabilities(c Capabilities) Option {
	return func(h *Handler) { h.caps = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.httpClient = c }
}

// WithErrorHandler receives errors that happen after Start returned:
// read failures, stream ends, undecodable messages. Nothing is retried.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) { h.onError = fn }
}

func New(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		caps:       DefaultCapabilities(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start opens the configured transport and delivers every payload to onData.
// Payloads arrive on a background goroutine.
func (h *Handler) Start(ctx context.Context, onData DataFunc) error {
	h.mu.Lock()
	h.onData = onData
	h.mu.Unlock()

	switch h.cfg.ConnectionType {
	case ConnectionSimplex:
		return h.startSimplex(ctx)
	case ConnectionDuplex:
		return h.startDuplex(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConnectionType, h.cfg.ConnectionType)
	}
}

// Send writes data to the server. It only works on a started duplex handler
// and returns false otherwise.
func (h *Handler) Send(data any) bool {
	if h.cfg.ConnectionType != ConnectionDuplex {
		h.logger.Info("Handler is not in duplex mode")
		return false
	}

	h.mu.Lock()
	d := h.duplex
	h.mu.Unlock()
	if d == nil {
		h.logger.Info("Handler has not been initialized")
		return false
	}

	if err := d.write(data); err != nil {
		h.logger.Warn("Send failed", "error", err)
		return false
	}
	return true
}

// Endpoint builds http(s)://host:port followed by suffix.
func (h *Handler) Endpoint(suffix string) string {
	scheme := "http"
	if h.cfg.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, h.cfg.Host, h.cfg.Port, suffix)
}

// Close stops whichever transport is running.
func (h *Handler) Close() {
	h.mu.Lock()
	d, s := h.duplex, h.simplex
	h.duplex, h.simplex = nil, nil
	h.mu.Unlock()

	if d != nil {
		d.close()
	}
	if s != nil {
		s.close()
	}
}

// deliver decodes one raw message and passes hits.hits to the callback.
// Undecodable messages are logged and skipped.
func (h *Handler) deliver(data []byte) {
	h.mu.Lock()
	cb := h.onData
	h.mu.Unlock()

	if cb == nil {
		h.logger.Info("Received data, yet no data callback defined", "data", string(data))
		return
	}

	payload, err := envelope.Decode(data)
	if err != nil {
		h.logger.Warn("Skipping malformed message", "error", err)
		h.reportError(err)
		return
	}
	cb(payload)
}

func (h *Handler) reportError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if h.onError != nil {
		h.onError(err)
		return
	}
	h.logger.Warn("Connection error", "error", err)
}
