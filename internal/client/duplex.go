package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var errWriterStopped = errors.New("duplex writer stopped")

// manifest is the bootstrap document served at Config.DuplexJS.
type manifest struct {
	Pathname string `json:"pathname"`
}

// duplexConn manages the websocket to the server.
type duplexConn struct {
	conn      *websocket.Conn
	writeCh   chan any // async write queue, decouples Send from socket I/O
	quit      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

func (h *Handler) startDuplex(ctx context.Context) error {
	if err := h.loadDuplex(ctx); err != nil {
		return err
	}
	return h.connectDuplex(ctx)
}

// loadDuplex fetches the bootstrap manifest unless it is already known.
// Concurrent callers share a single in-flight fetch.
func (h *Handler) loadDuplex(ctx context.Context) error {
	h.mu.Lock()
	loaded := h.caps.DuplexLoaded
	h.mu.Unlock()
	if loaded {
		return nil
	}

	v, err, _ := h.loader.Do("duplex", func() (any, error) {
		return h.fetchManifest(ctx)
	})
	if err != nil {
		return err
	}

	m := v.(manifest)
	h.mu.Lock()
	h.caps.DuplexLoaded = true
	h.caps.Pathname = m.Pathname
	h.mu.Unlock()
	return nil
}

func (h *Handler) fetchManifest(ctx context.Context) (manifest, error) {
	url := h.Endpoint(h.cfg.DuplexJS)
	h.logger.Debug("Loading duplex bootstrap", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifest{}, fmt.Errorf("build bootstrap request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return manifest{}, fmt.Errorf("fetch duplex bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return manifest{}, fmt.Errorf("fetch duplex bootstrap: unexpected status %s", resp.Status)
	}

	var m manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return manifest{}, fmt.Errorf("decode duplex bootstrap: %w", err)
	}
	return m, nil
}

func (h *Handler) socketURL() string {
	h.mu.Lock()
	pathname := h.caps.Pathname
	h.mu.Unlock()
	if pathname == "" {
		pathname = defaultPathname
	}

	endpoint := h.Endpoint(h.cfg.RelativeEndpoint + pathname)
	return "ws" + strings.TrimPrefix(endpoint, "http")
}

func (h *Handler) connectDuplex(ctx context.Context) error {
	url := h.socketURL()
	conn, _, err := h.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	h.logger.Info("Connected to duplex endpoint", "url", url)

	d := &duplexConn{
		conn:      conn,
		writeCh:   make(chan any, 64),
		quit:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	h.mu.Lock()
	h.duplex = d
	h.mu.Unlock()

	go h.readLoop(d)
	go d.writeLoop()
	return nil
}

func (h *Handler) readLoop(d *duplexConn) {
	defer close(d.readDone)

	for {
		_, message, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.quit:
				// closed locally
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Info("Duplex connection closed normally")
					h.reportError(ErrStreamEnded)
				} else {
					h.reportError(fmt.Errorf("%w: duplex read: %w", ErrStreamEnded, err))
				}
			}
			return
		}
		h.deliver(message)
	}
}

// writeLoop drains the write channel, flushing what is queued on quit.
func (d *duplexConn) writeLoop() {
	defer close(d.writeDone)
	for {
		select {
		case v := <-d.writeCh:
			if err := d.conn.WriteJSON(v); err != nil {
				return
			}
		case <-d.quit:
			for {
				select {
				case v := <-d.writeCh:
					if err := d.conn.WriteJSON(v); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (d *duplexConn) write(v any) error {
	select {
	case <-d.quit:
		return errWriterStopped
	default:
	}

	select {
	case <-d.quit:
		return errWriterStopped
	case <-d.writeDone:
		return errWriterStopped
	case d.writeCh <- v:
		return nil
	}
}

func (d *duplexConn) close() {
	d.closeOnce.Do(func() {
		close(d.quit)  // signal write loop to stop
		<-d.writeDone  // wait for pending writes to flush
		_ = d.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		d.conn.Close()
		<-d.readDone // wait for read loop to finish
	})
}
