package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadrimteam/sockfeed/internal/metrics"
)

// --- fakes ---

type fakeDuplex struct {
	mu      sync.Mutex
	written []any
}

func (f *fakeDuplex) ID() string          { return "duplex" }
func (f *fakeDuplex) RemoteAddr() string  { return "pipe" }
func (f *fakeDuplex) OnData(func([]byte)) {}
func (f *fakeDuplex) RemoveDataListener() {}
func (f *fakeDuplex) Write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

type fakeSimplex struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSimplex) ID() string          { return "simplex" }
func (f *fakeSimplex) RemoteAddr() string  { return "pipe" }
func (f *fakeSimplex) OnData(func([]byte)) {}
func (f *fakeSimplex) RemoveDataListener() {}
func (f *fakeSimplex) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type lifecycle struct {
	connected    chan Conn
	disconnected chan Conn
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		connected:    make(chan Conn, 4),
		disconnected: make(chan Conn, 4),
	}
}

func (l *lifecycle) onConnect(c Conn)    { l.connected <- c }
func (l *lifecycle) onDisconnect(c Conn) { l.disconnected <- c }

func receive(t *testing.T, ch <-chan Conn) Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return nil
	}
}

func newTestServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	handler, err := s.Handler()
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.Config.ConnContext = ConnContext
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// --- tests ---

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer("", "", 0)
	assert.Equal(t, TypeWebsockets, s.Type())
	assert.Equal(t, "127.0.0.1:3333", s.Addr())
}

func TestServer_UnknownTypeIsFatal(t *testing.T) {
	s := NewServer("127.0.0.1", Type("carrier-pigeon"), 3333)

	_, err := s.Handler()
	assert.ErrorIs(t, err, ErrUnknownType)

	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownType)

	err = s.Broadcast(&fakeDuplex{}, map[string]any{"id": 1})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestServer_SetHandlersChains(t *testing.T) {
	s := NewServer("", TypeSSE, 0)
	assert.Same(t, s, s.SetHandlers(nil, nil))
}

func TestBroadcast_DuplexHandsOffRawObject(t *testing.T) {
	s := NewServer("", TypeWebsockets, 0)
	conn := &fakeDuplex{}
	data := map[string]any{"id": 1, "v": "a"}

	require.NoError(t, s.Broadcast(conn, data))

	require.Len(t, conn.written, 1)
	assert.Equal(t, data, conn.written[0])
}

func TestBroadcast_SSESerializesToJSON(t *testing.T) {
	s := NewServer("", TypeSSE, 0)
	conn := &fakeSimplex{}

	require.NoError(t, s.Broadcast(conn, map[string]any{"id": 1, "v": "a"}))

	require.Len(t, conn.sent, 1)
	assert.JSONEq(t, `{"id": 1, "v": "a"}`, conn.sent[0])
}

func TestBroadcast_ConnMismatch(t *testing.T) {
	s := NewServer("", TypeSSE, 0)
	err := s.Broadcast(&fakeDuplex{}, 1)
	assert.ErrorIs(t, err, ErrConnMismatch)
}

func TestWebsocket_Lifecycle(t *testing.T) {
	life := newLifecycle()
	m := metrics.New(prometheus.NewRegistry())
	s := NewServer("", TypeWebsockets, 0, WithMetrics(m, nil)).SetHandlers(life.onConnect, life.onDisconnect)
	srv := newTestServer(t, s)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + SocketPath
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := receive(t, life.connected)
	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, 1, s.Connections())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("websockets")))

	received := make(chan []byte, 1)
	conn.OnData(func(data []byte) { received <- data })

	// server -> client
	require.NoError(t, s.Broadcast(conn, map[string]any{"id": 2}))
	var got map[string]any
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, map[string]any{"id": 2.0}, got)

	// client -> server
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	select {
	case data := <-received:
		assert.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("data listener not invoked")
	}

	client.Close()
	gone := receive(t, life.disconnected)
	assert.Equal(t, conn.ID(), gone.ID())
	assert.Equal(t, 0, s.Connections())

	assert.ErrorIs(t, s.Broadcast(conn, 1), ErrConnClosed)
}

func TestWebsocket_Bootstrap(t *testing.T) {
	s := NewServer("", TypeWebsockets, 0)
	srv := newTestServer(t, s)

	resp, err := http.Get(srv.URL + BootstrapPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pathname": "/sock", "transformer": "websockets"}`, string(body))
}

func TestWebsocket_ConnectLimit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := NewServer("", TypeWebsockets, 0, WithConnectLimit(0.001, 1), WithMetrics(m, nil))
	srv := newTestServer(t, s)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + SocketPath

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedTotal))
}

func TestSSE_StreamHeadersAndMessages(t *testing.T) {
	life := newLifecycle()
	s := NewServer("", TypeSSE, 0).SetHandlers(life.onConnect, life.onDisconnect)
	srv := newTestServer(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+DefaultSSEPath, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":ok\n", line)

	conn := receive(t, life.connected)
	require.NoError(t, s.Broadcast(conn, map[string]any{"id": 3}))

	// blank line after the comment, then the event
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"id\":3}\n", line)

	cancel()
	gone := receive(t, life.disconnected)
	assert.Equal(t, conn.ID(), gone.ID())
}

func TestSSE_OtherPathsAnswerOkay(t *testing.T) {
	s := NewServer("", TypeSSE, 0)
	srv := newTestServer(t, s)

	for _, path := range []string{"/", "/anything/else"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "okay", string(body), path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
	}
}

func TestStreamConn_SendAfterClose(t *testing.T) {
	c := newStreamConn(httptest.NewRequest(http.MethodGet, "/sse", nil))
	require.NoError(t, c.Send("a"))

	c.close()
	c.close()
	assert.ErrorIs(t, c.Send("b"), ErrConnClosed)
}

func TestStreamConn_FullBufferDrops(t *testing.T) {
	c := newStreamConn(httptest.NewRequest(http.MethodGet, "/sse", nil))
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send("x"))
	}
	assert.ErrorIs(t, c.Send("overflow"), ErrSendBufferFull)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServer_StartServesUntilCancelled(t *testing.T) {
	for _, typ := range []Type{TypeWebsockets, TypeSSE} {
		t.Run(string(typ), func(t *testing.T) {
			life := newLifecycle()
			s := NewServer("127.0.0.1", typ, freePort(t), WithWriteTimeout(time.Second)).
				SetHandlers(life.onConnect, life.onDisconnect)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- s.Start(ctx) }()

			base := "http://" + s.Addr()
			require.Eventually(t, func() bool {
				resp, err := http.Get(base + "/metrics-absent")
				if err != nil {
					return false
				}
				resp.Body.Close()
				return true
			}, 2*time.Second, 10*time.Millisecond)

			switch typ {
			case TypeWebsockets:
				client, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+SocketPath, nil)
				require.NoError(t, err)
				t.Cleanup(func() { client.Close() })
			case TypeSSE:
				resp, err := http.Get(base + DefaultSSEPath)
				require.NoError(t, err)
				t.Cleanup(func() { resp.Body.Close() })
				line, err := bufio.NewReader(resp.Body).ReadString('\n')
				require.NoError(t, err)
				assert.Equal(t, ":ok\n", line)
			}
			conn := receive(t, life.connected)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Start did not return after cancel")
			}

			// the disconnect callback has already run once Start returns
			select {
			case gone := <-life.disconnected:
				assert.Equal(t, conn.ID(), gone.ID())
			default:
				t.Fatal("disconnect callback still pending after Start returned")
			}
			assert.Equal(t, 0, s.Connections())
		})
	}
}

func TestServer_ConnectedDuringShutdownIsClosed(t *testing.T) {
	life := newLifecycle()
	s := NewServer("", TypeSSE, 0).SetHandlers(life.onConnect, life.onDisconnect)
	s.closing = true

	c := newStreamConn(httptest.NewRequest(http.MethodGet, DefaultSSEPath, nil))
	s.connected(c)
	s.disconnected(c)

	assert.Equal(t, 0, s.Connections())
	assert.ErrorIs(t, c.Send("late"), ErrConnClosed)
	assert.Empty(t, life.connected)
	assert.Empty(t, life.disconnected)
}
