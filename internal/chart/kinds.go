package chart

import (
	"fmt"
	"strings"

	"github.com/ashureev/sqlsight/internal/query"
)

// Kind names a chart type.
type Kind string

const (
	KindLine         Kind = "line"
	KindArea         Kind = "area"
	KindBar          Kind = "bar"
	KindBoxplot      Kind = "boxplot"
	KindColumn       Kind = "column"
	KindFunnel       Kind = "funnel"
	KindHistogram    Kind = "histogram"
	KindLiquid       Kind = "liquid"
	KindNetworkGraph Kind = "network_graph"
	KindPie          Kind = "pie"
	KindRadar        Kind = "radar"
	KindScatter      Kind = "scatter"
	KindTreemap      Kind = "treemap"
	KindVenn         Kind = "venn"
	KindWaterfall    Kind = "waterfall"
	KindWordCloud    Kind = "word_cloud"
)

// Info describes a kind to callers that advertise it.
type Info struct {
	Kind          Kind
	Description   string
	Required      []string
	Optional      []string
	DefaultWidth  float64
	DefaultHeight float64
}

type drawFunc func(c *canvas, rs, edges *query.ResultSet, req Request) error

// kindSpec sets exactly one of plot and draw. Kinds with a gonum plotter
// set plot; the rest draw on the canvas directly.
type kindSpec struct {
	Info
	plot plotFunc
	draw drawFunc
}

var order = []Kind{
	KindLine, KindArea, KindBar, KindBoxplot, KindColumn, KindFunnel, KindHistogram, KindLiquid,
	KindNetworkGraph, KindPie, KindRadar, KindScatter, KindTreemap, KindVenn, KindWaterfall, KindWordCloud,
}

var specs = map[Kind]kindSpec{
	KindLine: {Info: Info{Description: "Line chart for trends over time or continuous categories.",
		Required: []string{"time", "value"}, Optional: []string{"group"}}, plot: plotLine(KindLine, false)},
	KindArea: {Info: Info{Description: "Area chart for cumulative trends over time.",
		Required: []string{"time", "value"}, Optional: []string{"group"}}, plot: plotLine(KindArea, true)},
	KindBar: {Info: Info{Description: "Horizontal bar chart comparing values across categories.",
		Required: []string{"x", "y"}, Optional: []string{"group"}}, plot: plotBars(KindBar, true)},
	KindColumn: {Info: Info{Description: "Vertical column chart comparing values across categories.",
		Required: []string{"x", "y"}, Optional: []string{"group"}}, plot: plotBars(KindColumn, false)},
	KindBoxplot: {Info: Info{Description: "Box plot showing the distribution of values per group.",
		Required: []string{"group", "value"}}, plot: plotBoxplot},
	KindFunnel: {Info: Info{Description: "Funnel chart showing values through sequential stages.",
		Required: []string{"stage", "value"}}, draw: drawFunnel},
	KindHistogram: {Info: Info{Description: "Histogram showing the frequency distribution of a numeric column.",
		Required: []string{"value"}}, plot: plotHistogram},
	KindLiquid: {Info: Info{Description: "Liquid gauge showing a single ratio between 0 and 1 from the first cell.",
		DefaultWidth: 6, DefaultHeight: 6}, draw: drawLiquid},
	KindNetworkGraph: {Info: Info{Description: "Network graph of nodes (query: name) and edges (query_edges: source, target).",
		Required: []string{"name"}, DefaultWidth: 10, DefaultHeight: 8}, draw: drawNetwork},
	KindPie: {Info: Info{Description: "Pie chart showing the share of each category.",
		Required: []string{"type", "value"}}, draw: drawPie},
	KindRadar: {Info: Info{Description: "Radar chart comparing scores across items.",
		Required: []string{"item", "score"}, Optional: []string{"group"}}, draw: drawRadar},
	KindScatter: {Info: Info{Description: "Scatter plot of two numeric columns.",
		Required: []string{"x", "y"}, Optional: []string{"group"}}, plot: plotScatter},
	KindTreemap: {Info: Info{Description: "Treemap showing hierarchical proportions as nested rectangles.",
		Required: []string{"name", "value"}}, draw: drawTreemap},
	KindVenn: {Info: Info{Description: "Venn diagram of two or three named sets.",
		Required: []string{"name"}, DefaultWidth: 8, DefaultHeight: 8}, draw: drawVenn},
	KindWaterfall: {Info: Info{Description: "Waterfall chart showing cumulative positive and negative changes.",
		Required: []string{"label", "value"}}, draw: drawWaterfall},
	KindWordCloud: {Info: Info{Description: "Word cloud sizing each word by its value.",
		Required: []string{"name", "value"}}, draw: drawWordCloud},
}

func init() {
	for k, s := range specs {
		s.Kind = k
		if s.DefaultWidth == 0 {
			s.DefaultWidth, s.DefaultHeight = 10, 6
		}
		specs[k] = s
	}
}

// Kinds lists every supported kind in a stable order.
func Kinds() []Info {
	out := make([]Info, 0, len(order))
	for _, k := range order {
		out = append(out, specs[k].Info)
	}
	return out
}

// Describe returns the Info of kind.
func Describe(kind Kind) (Info, bool) {
	s, ok := specs[kind]
	return s.Info, ok
}

func (s kindSpec) check(rs *query.ResultSet) error {
	if len(rs.Rows) == 0 {
		return &DataError{Kind: s.Kind, Msg: "query returned no rows"}
	}
	var missing []string
	for _, col := range s.Required {
		if rs.Column(col) < 0 {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &DataError{Kind: s.Kind, Msg: fmt.Sprintf("missing column(s) %s; got %s",
			strings.Join(missing, ", "), strings.Join(rs.Columns, ", "))}
	}
	return nil
}

const dpi = 100

func (s kindSpec) pixels(st Style) (int, int) {
	w, h := st.Width, st.Height
	if w <= 0 {
		w = s.DefaultWidth
	}
	if h <= 0 {
		h = s.DefaultHeight
	}
	clamp := func(px int) int { return min(max(px, 200), 4000) }
	return clamp(int(w * dpi)), clamp(int(h * dpi))
}
