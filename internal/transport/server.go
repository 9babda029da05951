package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/galadrimteam/sockfeed/internal/metrics"
)

// Type selects the wire transport.
type Type string

const (
	TypeWebsockets Type = "websockets"
	TypeSSE        Type = "sse"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3333
	// DefaultSSEPath is where SSE clients open their stream.
	DefaultSSEPath = "/sse"

	defaultWriteTimeout = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// ErrUnknownType is a configuration error. It is returned synchronously and
// never retried.
var ErrUnknownType = errors.New("unknown transport type")

// ErrConnMismatch is returned when a connection does not belong to the
// server's transport.
var ErrConnMismatch = errors.New("connection does not match transport type")

// ConnHandler receives connection lifecycle events.
type ConnHandler func(c Conn)

// Server accepts client connections on one transport and forwards their
// lifecycle to the registered handlers.
type Server struct {
	host string
	typ  Type
	port int

	ssePath      string
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	limiter      *rate.Limiter
	upgrader     websocket.Upgrader

	onConnect    ConnHandler
	onDisconnect ConnHandler

	// handlers counts running stream and socket handlers. Hijacked sockets
	// are invisible to http.Server.Shutdown, so Start waits on this too.
	handlers sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]Conn
	closing bool
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records connection metrics on m. When g is non-nil the
// router also serves it on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func WithSSEPath(path string) Option {
	return func(s *Server) { s.ssePath = path }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithConnectLimit caps accepted connections per second. Excess attempts get
// 429 Too Many Requests.
func WithConnectLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewServer creates a server. Empty host, empty type and zero port fall back
// to 127.0.0.1, websockets and 3333.
func NewServer(host string, typ Type, port int, opts ...Option) *Server {
	if host == "" {
		host = DefaultHost
	}
	if typ == "" {
		typ = TypeWebsockets
	}
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		host:         host,
		typ:          typ,
		port:         port,
		ssePath:      DefaultSSEPath,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		conns:        make(map[string]Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Type() Type   { return s.typ }
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// SetHandlers registers the lifecycle callbacks and returns s for chaining.
func (s *Server) SetHandlers(onConnect, onDisconnect ConnHandler) *Server {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
	return s
}

// Handler builds the router for the configured transport.
func (s *Server) Handler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	switch s.typ {
	case TypeWebsockets:
		r.Get(BootstrapPath, s.handleBootstrap)
		r.With(s.limitConnects).Get(SocketPath, s.handleSocket)
	case TypeSSE:
		r.With(s.limitConnects).Get(s.ssePath, s.handleStream)
		r.HandleFunc("/*", s.handleOkay)
		r.HandleFunc("/", s.handleOkay)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, s.typ)
	}
	return r, nil
}

// Start listens on host:port and serves until ctx is cancelled. An unknown
// transport type fails immediately.
func (s *Server) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        s.Addr(),
		Handler:     middleware.Logger(handler),
		ConnContext: ConnContext,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", srv.Addr, "transport", s.typ)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.closeAll()

	err = srv.Shutdown(shutdownCtx)
	s.handlers.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Broadcast hands data to c in the form its transport expects: duplex
// connections take the object unmodified, SSE connections take JSON text.
func (s *Server) Broadcast(c Conn, data any) error {
	switch s.typ {
	case TypeWebsockets:
		dc, ok := c.(DuplexConn)
		if !ok {
			return fmt.Errorf("%w: %T", ErrConnMismatch, c)
		}
		return dc.Write(data)
	case TypeSSE:
		sc, ok := c.(SimplexConn)
		if !ok {
			return fmt.Errorf("%w: %T", ErrConnMismatch, c)
		}
		text, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode broadcast: %w", err)
		}
		return sc.Send(string(text))
	default:
		return fmt.Errorf("cannot broadcast: %w: %q", ErrUnknownType, s.typ)
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// connected registers c. A connection accepted after shutdown began is
// closed at once and never reaches the handlers.
func (s *Server) connected(c Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if cl, ok := c.(closer); ok {
			cl.close()
		}
		return
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()

	s.metrics.ConnectionOpened(string(s.typ))
	if s.onConnect != nil {
		s.onConnect(c)
	}
}

func (s *Server) disconnected(c Conn) {
	s.mu.Lock()
	_, ok := s.conns[c.ID()]
	delete(s.conns, c.ID())
	s.mu.Unlock()
	if !ok {
		return
	}

	s.metrics.ConnectionClosed(string(s.typ))
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
}

type closer interface{ close() }

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if cl, ok := c.(closer); ok {
			cl.close()
		}
	}
}

func (s *Server) limitConnects(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.ConnectionRejected()
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
