package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/galadrimteam/sockfeed/internal/client"
	"github.com/galadrimteam/sockfeed/internal/fanout"
	"github.com/galadrimteam/sockfeed/internal/logging"
	"github.com/galadrimteam/sockfeed/internal/render"
	"github.com/galadrimteam/sockfeed/internal/transport"
)

const defaultItemTemplate = `<li class="record" hidden>` +
	`{{range $k, $v := .}}<span class="field" data-key="{{$k}}">{{$v}}</span>{{end}}` +
	`</li>`

// responseHeaderTimeout bounds the bootstrap fetch and the stream handshake.
// It does not limit how long the event stream stays open.
const responseHeaderTimeout = 10 * time.Second

type watchOptions struct {
	client   client.Config
	tmpl     *template.Template
	idField  string
	out      string
	stagger  bool
	interval time.Duration
	lines    io.Writer
	logger   *slog.Logger
}

func watchCmd() *cobra.Command {
	var (
		host     string
		port     int
		ssl      bool
		mode     string
		endpoint string
		out      string
		tmplPath string
		idField  string
		stagger  bool
		interval time.Duration
		maxEvent int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a feed and render it into an HTML page",
		Long: `Connect to a running feed, print every payload as a JSON line and
keep an HTML page up to date with the received records, newest first.

Records sharing an identifier replace each other in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := loadTemplate(tmplPath)
			if err != nil {
				return err
			}

			typ := client.ConnectionType(mode)
			if typ == client.ConnectionSimplex && endpoint == "" {
				endpoint = transport.DefaultSSEPath
			}

			return runWatch(cmd.Context(), watchOptions{
				client: client.Config{
					Host:             host,
					Port:             port,
					SSL:              ssl,
					ConnectionType:   typ,
					RelativeEndpoint: endpoint,
					MaxEventSize:     maxEvent,
				},
				tmpl:     tmpl,
				idField:  idField,
				out:      out,
				stagger:  stagger,
				interval: interval,
				lines:    cmd.OutOrStdout(),
				// stdout carries the JSON lines
				logger: logging.New(cmd.ErrOrStderr(), logLevel, "text"),
			})
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", client.DefaultHost, "Feed host")
	cmd.Flags().IntVarP(&port, "port", "p", client.DefaultPort, "Feed port")
	cmd.Flags().BoolVar(&ssl, "ssl", false, "Use https and wss")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(client.ConnectionDuplex), "Connection: duplex or simplex")
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Path prefix of the feed (simplex default /sse)")
	cmd.Flags().StringVarP(&out, "out", "o", "feed.html", "HTML page to write, empty to disable")
	cmd.Flags().StringVar(&tmplPath, "template", "", "html/template file rendering one record")
	cmd.Flags().StringVar(&idField, "id-field", render.DefaultIDField, "Record field identifying a record")
	cmd.Flags().BoolVar(&stagger, "stagger", false, "Reveal the first batch one record per interval")
	cmd.Flags().DurationVar(&interval, "interval", render.DefaultRenderInterval, "Stagger interval")
	cmd.Flags().IntVar(&maxEvent, "max-event-size", client.DefaultMaxEventSize, "Largest simplex event accepted, in bytes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	return cmd
}

func loadTemplate(path string) (*template.Template, error) {
	if path == "" {
		return template.New("record").Parse(defaultItemTemplate)
	}
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return tmpl, nil
}

func runWatch(ctx context.Context, o watchOptions) error {
	logger := o.logger

	doc, err := render.NewPage(render.DefaultPage)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	frames := render.NewFrameLoop(clock)
	opts := []render.Option{
		render.WithIDField(o.idField),
		render.WithDeferrer(render.NewDeferrer(doc.Selection, "", "")),
		render.WithFrames(frames),
		render.WithClock(clock),
		render.WithRenderInterval(o.interval),
		render.WithLogger(logger),
	}
	if o.stagger {
		opts = append(opts, render.WithStagger())
	}
	renderer := render.NewRenderer(doc.Find(render.DefaultContainer), render.TemplateFunc(o.tmpl), opts...)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hub := fanout.New[any](0)
	pages, _ := hub.Subscribe()
	lines, _ := hub.Subscribe()

	h := client.New(o.client,
		client.WithLogger(logger),
		client.WithHTTPClient(&http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: responseHeaderTimeout,
		}}),
		client.WithErrorHandler(func(err error) {
			if errors.Is(err, client.ErrStreamEnded) {
				cancel(err)
				return
			}
			logger.Warn("Feed error", "error", err)
		}),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		frames.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		printLines(o.lines, lines, logger)
	}()
	go func() {
		defer wg.Done()
		renderPages(renderer, frames, doc, o.out, pages, logger)
	}()

	startErr := h.Start(ctx, hub.Publish)
	if startErr == nil {
		<-ctx.Done()
	}

	cause := context.Cause(ctx)
	cancel(nil)
	h.Close()
	hub.Close()
	wg.Wait()
	frames.Flush()

	if startErr != nil {
		return startErr
	}
	if errors.Is(cause, client.ErrStreamEnded) {
		logger.Info("Feed ended", "cause", cause)
	}
	if o.out != "" {
		if err := writePage(doc, o.out); err != nil {
			return err
		}
	}
	logger.Info("Goodbye!", "dropped", hub.Dropped())
	return nil
}

func printLines(w io.Writer, payloads <-chan any, logger *slog.Logger) {
	enc := json.NewEncoder(w)
	for p := range payloads {
		if err := enc.Encode(p); err != nil {
			logger.Warn("Failed to print payload", "error", err)
		}
	}
}

// renderPages compiles each payload and queues a page write behind the
// placements it caused.
func renderPages(r *render.Renderer, frames *render.FrameLoop, doc *goquery.Document, path string, payloads <-chan any, logger *slog.Logger) {
	for p := range payloads {
		if err := r.Compile(p); err != nil {
			logger.Warn("Failed to render payload", "error", err)
		}
		if path == "" {
			continue
		}
		frames.RequestFrame(func() {
			if err := writePage(doc, path); err != nil {
				logger.Warn("Failed to write page", "path", path, "error", err)
			}
		})
	}
}

func writePage(doc *goquery.Document, path string) error {
	markup, err := doc.Html()
	if err != nil {
		return fmt.Errorf("serialize page: %w", err)
	}
	if err := os.WriteFile(path, []byte(markup), 0o644); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	return nil
}
