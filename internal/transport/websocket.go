package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// SocketPath is where duplex clients connect.
	SocketPath = "/sock"
	// BootstrapPath serves the manifest a duplex client fetches before its
	// first connect.
	BootstrapPath = "/sock/primus.js"
)

// BootstrapManifest tells a duplex client where to connect.
type BootstrapManifest struct {
	Pathname    string `json:"pathname"`
	Transformer string `json:"transformer"`
}

// socketConn is a duplex connection. Writes go through a queue drained by a
// single writer goroutine, since gorilla connections allow one writer.
type socketConn struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan any
	done         chan struct{}
	writeDone    chan struct{}
	writeTimeout time.Duration
	closeOnce    sync.Once

	mu       sync.RWMutex
	listener func([]byte)
}

func newSocketConn(conn *websocket.Conn, writeTimeout time.Duration) *socketConn {
	c := &socketConn{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan any, sendBufferSize),
		done:         make(chan struct{}),
		writeDone:    make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

func (c *socketConn) ID() string         { return c.id }
func (c *socketConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *socketConn) OnData(fn func([]byte)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *socketConn) RemoveDataListener() {
	c.mu.Lock()
	c.listener = nil
	c.mu.Unlock()
}

// Write queues v for JSON framing by the writer goroutine.
func (c *socketConn) Write(v any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.writeCh <- v:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *socketConn) writeLoop() {
	defer close(c.writeDone)
	for {
		select {
		case v := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				// Unblocks the read loop, which reports the disconnect.
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop blocks until the client goes away.
func (c *socketConn) readLoop() error {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		c.mu.RLock()
		fn := c.listener
		c.mu.RUnlock()
		if fn != nil {
			fn(message)
		}
	}
}

func (c *socketConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.writeDone
		c.conn.Close()
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newSocketConn(ws, s.writeTimeout)
	s.connected(c)

	err = c.readLoop()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("WebSocket closed normally", "conn_id", c.id)
	} else {
		s.logger.Debug("WebSocket read ended", "conn_id", c.id, "error", err)
	}

	c.close()
	s.disconnected(c)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(BootstrapManifest{
		Pathname:    SocketPath,
		Transformer: string(s.typ),
	})
}
