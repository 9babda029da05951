// Package render places feed records into an HTML document, newest first,
// replacing the node of a record that is already on the page.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/galadrimteam/sockfeed/internal/metrics"
)

// Type classifies a rendered record.
type Type string

const (
	// TypeInitial marks records of the very first Compile call.
	TypeInitial Type = "initial"
	// TypeExisting marks records whose identifier was already on the page.
	TypeExisting Type = "existing"
	TypeUpdate   Type = "update"
)

const (
	AttrBroadcastID   = "data-broadcast-id"
	AttrBroadcastType = "data-broadcast-type"

	DefaultIDField        = "id"
	DefaultRenderInterval = time.Second
)

var ErrUnsupportedPayload = errors.New("payload is neither a record nor a list of records")

// RenderFunc turns one record into markup.
type RenderFunc func(record map[string]any) (string, error)

// TemplateFunc renders records with t.
func TemplateFunc(t *template.Template) RenderFunc {
	return func(record map[string]any) (string, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, record); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

type Renderer struct {
	target   *goquery.Selection
	render   RenderFunc
	idField  string
	deferrer *Deferrer
	interval time.Duration
	frames   FrameScheduler
	clock    clockwork.Clock
	stagger  bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// mu serializes every read and write of the document.
	mu       sync.Mutex
	compiled bool
}

type Option func(*Renderer)

func WithIDField(field string) Option {
	return func(r *Renderer) {
		if field != "" {
			r.idField = field
		}
	}
}

// WithDeferrer runs d after every placement.
func WithDeferrer(d *Deferrer) Option {
	return func(r *Renderer) { r.deferrer = d }
}

func WithRenderInterval(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithFrames(f FrameScheduler) Option {
	return func(r *Renderer) { r.frames = f }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Renderer) { r.clock = c }
}

// WithStagger delays the i-th record of the initial batch by i render
// intervals. Without it every record is placed right away.
func WithStagger() Option {
	return func(r *Renderer) { r.stagger = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// NewRenderer renders into target, which must not be mutated by anything
// else while the renderer is in use.
func NewRenderer(target *goquery.Selection, render RenderFunc, opts ...Option) *Renderer {
	r := &Renderer{
		target:   target,
		render:   render,
		idField:  DefaultIDField,
		interval: DefaultRenderInterval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compile renders a single record or a list of records. Records that fail
// to render are skipped; their errors are joined in the result.
func (r *Renderer) Compile(data any) error {
	records, err := normalize(data)
	if err != nil {
		return err
	}

	var errs []error
	for i, record := range records {
		if err := r.renderRecord(record, i); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.compiled = true
	r.mu.Unlock()

	return errors.Join(errs...)
}

// Markup returns the current inner HTML of the target.
func (r *Renderer) Markup() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target.Html()
}

func (r *Renderer) renderRecord(record map[string]any, index int) error {
	markup, err := r.render(record)
	if err != nil {
		return fmt.Errorf("render record %d: %w", index, err)
	}
	id := idString(record[r.idField])

	r.mu.Lock()
	nodes, err := parseFragment(markup)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("parse record %d: %w", index, err)
	}

	var typ Type
	switch {
	case !r.compiled:
		typ = TypeInitial
	case r.find(id).Length() > 0:
		typ = TypeExisting
	default:
		typ = TypeUpdate
	}

	nodes.SetAttr(AttrBroadcastID, id)
	nodes.SetAttr(AttrBroadcastType, string(typ))
	show(nodes)
	r.mu.Unlock()

	place := func() { r.requestFrame(func() { r.place(nodes, id, typ) }) }

	var delay time.Duration
	if r.stagger && typ == TypeInitial {
		delay = time.Duration(index) * r.interval
	}
	if delay > 0 {
		r.clock.AfterFunc(delay, place)
	} else {
		place()
	}
	return nil
}

func (r *Renderer) requestFrame(fn func()) {
	if r.frames == nil {
		fn()
		return
	}
	r.frames.RequestFrame(fn)
}

// place replaces the single node already carrying id, or prepends. The
// lookup runs again here because an earlier placement may have landed in
// between, which keeps one node per identifier.
func (r *Renderer) place(nodes *goquery.Selection, id string, typ Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := slices.Clone(nodes.Nodes)
	dupes := r.find(id)
	if dupes.Length() == 1 {
		dupes.ReplaceWithNodes(ns...)
	} else {
		r.target.PrependNodes(ns...)
	}

	if r.deferrer != nil {
		r.deferrer.Load()
	}
	r.metrics.Rendered(string(typ))
	r.logger.Debug("Placed record", "id", id, "type", typ)
}

func (r *Renderer) find(id string) *goquery.Selection {
	return r.target.Find(`[` + AttrBroadcastID + `="` + escapeSelector(id) + `"]`)
}

func normalize(data any) ([]map[string]any, error) {
	switch v := data.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	case []any:
		records := make([]map[string]any, 0, len(v))
		for _, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: item of type %T", ErrUnsupportedPayload, item)
			}
			records = append(records, record)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, data)
	}
}

func parseFragment(markup string) (*goquery.Selection, error) {
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	parsed, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		return nil, err
	}

	wrapper := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range parsed {
		wrapper.AppendChild(n)
	}
	return goquery.NewDocumentFromNode(wrapper).Children(), nil
}

// show undoes hidden and display:none on the top-level nodes.
func show(s *goquery.Selection) {
	s.RemoveAttr("hidden")
	s.Each(func(_ int, el *goquery.Selection) {
		style, ok := el.Attr("style")
		if !ok {
			return
		}
		var kept []string
		for _, decl := range strings.Split(style, ";") {
			compact := strings.ReplaceAll(strings.TrimSpace(decl), " ", "")
			if compact == "" || strings.EqualFold(compact, "display:none") {
				continue
			}
			kept = append(kept, strings.TrimSpace(decl))
		}
		if len(kept) == 0 {
			el.RemoveAttr("style")
			return
		}
		el.SetAttr("style", strings.Join(kept, "; "))
	})
}

func idString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func escapeSelector(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
