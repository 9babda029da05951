package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

type connContextKey struct{}

// ConnContext stores the raw network connection in the request context so
// the SSE handler can tune the socket. Set it as http.Server.ConnContext.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

func setNoDelay(ctx context.Context) {
	if tc, ok := ctx.Value(connContextKey{}).(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// streamConn is a simplex server-sent events connection.
type streamConn struct {
	id        string
	remote    string
	sendCh    chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamConn(r *http.Request) *streamConn {
	return &streamConn{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		sendCh: make(chan string, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) ID() string          { return c.id }
func (c *streamConn) RemoteAddr() string  { return c.remote }
func (c *streamConn) OnData(func([]byte)) {}
func (c *streamConn) RemoveDataListener() {}
func (c *streamConn) close()              { c.closeOnce.Do(func() { close(c.done) }) }

// Send queues one event for the stream.
func (c *streamConn) Send(text string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- text:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// handleStream provides the server-sent events stream for one client.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	setNoDelay(r.Context())

	c := newStreamConn(r)
	s.connected(c)
	defer func() {
		c.close()
		s.disconnected(c)
	}()

	ctx := r.Context()
	for {
		select {
		case msg := <-c.sendCh:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				s.logger.Debug("SSE write failed", "conn_id", c.id, "error", err)
				return
			}
			flusher.Flush()
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleOkay answers every non-stream request in SSE mode.
func (s *Server) handleOkay(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "okay")
}
