package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadrimteam/sockfeed/internal/client"
	"github.com/galadrimteam/sockfeed/internal/dataset"
	"github.com/galadrimteam/sockfeed/internal/provider"
	"github.com/galadrimteam/sockfeed/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T, typ transport.Type) client.Config {
	t.Helper()
	server := transport.NewServer("", typ, 0)
	p := provider.New(server,
		[]dataset.Record{{"id": 1, "name": "first"}},
		[]dataset.Record{{"id": 2, "name": "second"}, {"id": 1, "name": "first again"}},
		provider.WithInterval(20*time.Millisecond),
	)
	handler, err := p.Attach().Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return client.Config{Host: host, Port: port}
}

func TestRunWatch(t *testing.T) {
	for _, tc := range []struct {
		name string
		typ  transport.Type
		mode client.ConnectionType
		path string
	}{
		{"duplex", transport.TypeWebsockets, client.ConnectionDuplex, ""},
		{"simplex", transport.TypeSSE, client.ConnectionSimplex, transport.DefaultSSEPath},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := startServer(t, tc.typ)
			cfg.ConnectionType = tc.mode
			cfg.RelativeEndpoint = tc.path

			tmpl, err := loadTemplate("")
			require.NoError(t, err)

			out := filepath.Join(t.TempDir(), "feed.html")
			lines := &syncBuffer{}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- runWatch(ctx, watchOptions{
					client:  cfg,
					tmpl:    tmpl,
					idField: "id",
					out:     out,
					lines:   lines,
					logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
				})
			}()

			assert.Eventually(t, func() bool {
				return strings.Count(lines.String(), "\n") >= 3
			}, 3*time.Second, 10*time.Millisecond)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("watch did not stop")
			}

			page, err := os.ReadFile(out)
			require.NoError(t, err)
			markup := string(page)
			assert.Equal(t, 1, strings.Count(markup, `data-broadcast-id="1"`))
			assert.Equal(t, 1, strings.Count(markup, `data-broadcast-id="2"`))
			assert.Contains(t, markup, "first again")
			assert.NotContains(t, markup, " hidden")
		})
	}
}

func TestLoadTemplate(t *testing.T) {
	tmpl, err := loadTemplate("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tmpl.Execute(&buf, map[string]any{"id": 7, "name": "x"}))
	assert.Equal(t,
		`<li class="record" hidden><span class="field" data-key="id">7</span><span class="field" data-key="name">x</span></li>`,
		buf.String())

	_, err = loadTemplate(filepath.Join(t.TempDir(), "missing.tmpl"))
	assert.Error(t, err)
}

func TestConnectBurst(t *testing.T) {
	assert.Equal(t, 1, connectBurst(0))
	assert.Equal(t, 1, connectBurst(0.5))
	assert.Equal(t, 3, connectBurst(2.5))
}
