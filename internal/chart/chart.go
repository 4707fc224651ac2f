// Package chart renders query results as PNG charts under the charts
// directory.
package chart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ashureev/sqlsight/internal/query"
)

// PublicDir is the directory name artifact paths are reported under,
// regardless of where the files live on disk.
const PublicDir = "generated_charts"

// Theme selects a colour scheme.
type Theme string

const (
	ThemeDefault Theme = "default"
	ThemeDark    Theme = "dark"
	ThemeAcademy Theme = "academy"
)

// ParseTheme maps s to a Theme, falling back to ThemeDefault.
func ParseTheme(s string) Theme {
	switch Theme(strings.ToLower(strings.TrimSpace(s))) {
	case ThemeDark:
		return ThemeDark
	case ThemeAcademy:
		return ThemeAcademy
	default:
		return ThemeDefault
	}
}

// Style holds the presentation options shared by all kinds.
type Style struct {
	Theme      Theme
	Width      float64 // inches
	Height     float64 // inches
	Title      string
	AxisXTitle string
	AxisYTitle string
}

// Request is one render call.
type Request struct {
	Query      string
	EdgesQuery string // network_graph only
	Bins       int    // histogram only
	Style      Style
}

// DataError reports query results that do not fit the chart kind.
type DataError struct {
	Kind Kind
	Msg  string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s chart: %s", e.Kind, e.Msg)
}

// Source runs chart data queries.
type Source interface {
	Query(ctx context.Context, q string) (*query.ResultSet, error)
}

// Renderer draws charts from query results and writes them to dir.
type Renderer struct {
	dir    string
	source Source
	now    func() time.Time
	mu     sync.Mutex
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option { return func(r *Renderer) { r.now = now } }

// NewRenderer returns a renderer writing into dir.
func NewRenderer(dir string, source Source, opts ...Option) *Renderer {
	r := &Renderer{dir: dir, source: source, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render runs req.Query, draws a chart of kind and returns its artifact path
// relative to the public directory, e.g. "generated_charts/Sales_1700000000.png".
func (r *Renderer) Render(ctx context.Context, kind Kind, req Request) (string, error) {
	spec, ok := specs[kind]
	if !ok {
		return "", fmt.Errorf("unknown chart kind %q", kind)
	}
	if strings.TrimSpace(req.Query) == "" {
		return "", &DataError{Kind: kind, Msg: "query is required"}
	}

	rs, err := r.source.Query(ctx, req.Query)
	if err != nil {
		return "", fmt.Errorf("fetch chart data: %w", err)
	}
	var edges *query.ResultSet
	if kind == KindNetworkGraph {
		if strings.TrimSpace(req.EdgesQuery) == "" {
			return "", &DataError{Kind: kind, Msg: "query_edges is required"}
		}
		if edges, err = r.source.Query(ctx, req.EdgesQuery); err != nil {
			return "", fmt.Errorf("fetch chart edges: %w", err)
		}
	}
	if err := spec.check(rs); err != nil {
		return "", err
	}

	w, h := spec.pixels(req.Style)
	c := newCanvas(w, h, req.Style.Theme)
	if spec.plot != nil {
		p, err := spec.plot(rs, req, c.pal, pixelsToLength(w), pixelsToLength(h))
		if err != nil {
			return "", err
		}
		c.drawPlot(p)
	} else if err := spec.draw(c, rs, edges, req); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	name, err := r.write(req.Style.Title, buf.Bytes())
	if err != nil {
		return "", err
	}
	return PublicDir + "/" + name, nil
}

// write stores data under a unique name and returns the name.
func (r *Renderer) write(title string, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create chart directory: %w", err)
	}
	base := FileStem(title, r.now())
	for i := 0; i < 1000; i++ {
		name := base + ".png"
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ".png"
		}
		f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create chart file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write chart file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close chart file: %w", err)
		}
		return name, nil
	}
	return "", fmt.Errorf("no free chart file name for %q", base)
}

// FileStem derives the file name stem for a chart titled title: every
// non-alphanumeric rune becomes "_", followed by the unix timestamp.
// Untitled charts use the "chart" prefix.
func FileStem(title string, at time.Time) string {
	prefix := "chart"
	if title != "" {
		prefix = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return '_'
		}, title)
	}
	return prefix + "_" + strconv.FormatInt(at.Unix(), 10)
}
