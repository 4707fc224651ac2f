package chart

import (
	"fmt"
	"image/color"
	"image/draw"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	vgdraw "gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/ashureev/sqlsight/internal/query"
)

// plotFunc builds a gonum plot for kinds that map onto its plotters. w and h
// are the canvas size.
type plotFunc func(rs *query.ResultSet, req Request, pal palette, w, h vg.Length) (*plot.Plot, error)

func (p palette) color(i int) color.RGBA {
	return p.series[i%len(p.series)]
}

// drawPlot rasterises p over the whole canvas.
func (c *canvas) drawPlot(p *plot.Plot) {
	vc := vgimg.NewWith(vgimg.UseImage(c.img), vgimg.UseDPI(dpi))
	p.Draw(vgdraw.New(vc))
	draw.Draw(c.img, c.img.Bounds(), vc.Image(), c.img.Bounds().Min, draw.Src)
}

func pixelsToLength(px int) vg.Length {
	return vg.Length(px) / dpi * vg.Inch
}

// newPlot applies the style and theme shared by every gonum-backed kind.
func newPlot(st Style, pal palette) *plot.Plot {
	p := plot.New()
	p.Title.Text = st.Title
	p.X.Label.Text = st.AxisXTitle
	p.Y.Label.Text = st.AxisYTitle
	p.BackgroundColor = pal.background
	p.Title.TextStyle.Color = pal.foreground
	for _, a := range []*plot.Axis{&p.X, &p.Y} {
		a.LineStyle.Color = pal.foreground
		a.Label.TextStyle.Color = pal.foreground
		a.Tick.Label.Color = pal.foreground
		a.Tick.LineStyle.Color = pal.foreground
	}
	p.Legend.TextStyle.Color = pal.foreground
	p.Legend.Top = true

	grid := plotter.NewGrid()
	grid.Vertical.Color = pal.grid
	grid.Horizontal.Color = pal.grid
	if pal.dashedGrid {
		dashes := []vg.Length{vg.Points(4), vg.Points(3)}
		grid.Vertical.Dashes = dashes
		grid.Horizontal.Dashes = dashes
	}
	p.Add(grid)
	return p
}

// translucent is col at alpha a. color.RGBA is premultiplied, so the
// alpha cannot simply be swapped in.
func translucent(col color.RGBA, a uint8) color.NRGBA {
	return color.NRGBA{R: col.R, G: col.G, B: col.B, A: a}
}

func noCategories(kind Kind, col string) error {
	return &DataError{Kind: kind, Msg: "column " + col + " must be numeric"}
}

func plotError(kind Kind, err error) error {
	return &DataError{Kind: kind, Msg: err.Error()}
}

// slotWidth is the width of one of n bars sharing a category slot.
func slotWidth(extent vg.Length, categories, n int) vg.Length {
	slot := extent * 0.8 / vg.Length(max(categories, 1))
	return slot * 0.7 / vg.Length(max(n, 1))
}

func plotLine(kind Kind, fill bool) plotFunc {
	return func(rs *query.ResultSet, req Request, pal palette, _, _ vg.Length) (*plot.Plot, error) {
		g := groupBy(rs, "time", "value", "group")
		if len(g.categories) == 0 {
			return nil, noCategories(kind, "value")
		}
		p := newPlot(req.Style, pal)
		for gi, series := range g.values {
			var xys plotter.XYs
			for ci, v := range series {
				if !math.IsNaN(v) {
					xys = append(xys, plotter.XY{X: float64(ci), Y: v})
				}
			}
			if len(xys) == 0 {
				continue
			}
			col := pal.color(gi)
			line, err := plotter.NewLine(xys)
			if err != nil {
				return nil, plotError(kind, err)
			}
			line.LineStyle.Color = col
			line.LineStyle.Width = vg.Points(2)
			if fill {
				line.FillColor = translucent(col, 90)
			}
			marks, err := plotter.NewScatter(xys)
			if err != nil {
				return nil, plotError(kind, err)
			}
			marks.GlyphStyle.Color = col
			marks.GlyphStyle.Radius = vg.Points(2.5)
			marks.GlyphStyle.Shape = vgdraw.CircleGlyph{}
			p.Add(line, marks)
			if hasGroups(g) {
				p.Legend.Add(g.groups[gi], line)
			}
		}
		if fill {
			p.Y.Min = math.Min(p.Y.Min, 0)
		}
		p.NominalX(g.categories...)
		return p, nil
	}
}

func plotBars(kind Kind, horizontal bool) plotFunc {
	return func(rs *query.ResultSet, req Request, pal palette, w, h vg.Length) (*plot.Plot, error) {
		g := groupBy(rs, "x", "y", "group")
		if len(g.categories) == 0 {
			return nil, noCategories(kind, "y")
		}
		p := newPlot(req.Style, pal)
		extent := w
		if horizontal {
			extent = h
		}
		width := slotWidth(extent, len(g.categories), len(g.groups))
		for gi, series := range g.values {
			vals := make(plotter.Values, len(series))
			for ci, v := range series {
				if !math.IsNaN(v) {
					vals[ci] = v
				}
			}
			bars, err := plotter.NewBarChart(vals, width)
			if err != nil {
				return nil, plotError(kind, err)
			}
			bars.Horizontal = horizontal
			bars.Color = pal.color(gi)
			bars.LineStyle.Width = 0
			bars.Offset = width * (vg.Length(gi) - vg.Length(len(g.groups)-1)/2)
			p.Add(bars)
			if hasGroups(g) {
				p.Legend.Add(g.groups[gi], bars)
			}
		}
		if horizontal {
			p.NominalY(g.categories...)
		} else {
			p.NominalX(g.categories...)
		}
		return p, nil
	}
}

func plotScatter(rs *query.ResultSet, req Request, pal palette, _, _ vg.Length) (*plot.Plot, error) {
	xi, yi, gi := rs.Column("x"), rs.Column("y"), rs.Column("group")
	var groups []string
	series := map[string]plotter.XYs{}
	for _, row := range rs.Rows {
		x, okx := number(row[xi])
		y, oky := number(row[yi])
		if !okx || !oky {
			continue
		}
		name := ""
		if gi >= 0 {
			name = label(row[gi])
		}
		if _, seen := series[name]; !seen {
			groups = append(groups, name)
		}
		series[name] = append(series[name], plotter.XY{X: x, Y: y})
	}
	if len(groups) == 0 {
		return nil, &DataError{Kind: KindScatter, Msg: "columns x and y must be numeric"}
	}

	p := newPlot(req.Style, pal)
	legend := len(groups) > 1 || groups[0] != ""
	for i, name := range groups {
		s, err := plotter.NewScatter(series[name])
		if err != nil {
			return nil, plotError(KindScatter, err)
		}
		s.GlyphStyle.Color = translucent(pal.color(i), 200)
		s.GlyphStyle.Radius = vg.Points(3.5)
		s.GlyphStyle.Shape = vgdraw.CircleGlyph{}
		p.Add(s)
		if legend {
			p.Legend.Add(name, s)
		}
	}
	return p, nil
}

func plotBoxplot(rs *query.ResultSet, req Request, pal palette, w, _ vg.Length) (*plot.Plot, error) {
	// groupBy sums duplicates, so only its category order is used.
	g := groupBy(rs, "group", "value", "")
	if len(g.categories) == 0 {
		return nil, noCategories(KindBoxplot, "value")
	}
	gi, vi := rs.Column("group"), rs.Column("value")
	samples := make(map[string]plotter.Values, len(g.categories))
	for _, row := range rs.Rows {
		if v, ok := number(row[vi]); ok {
			k := label(row[gi])
			samples[k] = append(samples[k], v)
		}
	}

	p := newPlot(req.Style, pal)
	width := slotWidth(w, len(g.categories), 1)
	for i, cat := range g.categories {
		box, err := plotter.NewBoxPlot(width, float64(i), samples[cat])
		if err != nil {
			return nil, plotError(KindBoxplot, fmt.Errorf("group %s: %w", cat, err))
		}
		box.FillColor = translucent(pal.color(i), 180)
		box.BoxStyle.Color = pal.foreground
		box.WhiskerStyle.Color = pal.foreground
		box.MedianStyle.Color = pal.foreground
		box.MedianStyle.Width = vg.Points(2)
		box.GlyphStyle.Color = pal.foreground
		p.Add(box)
	}
	p.NominalX(g.categories...)
	return p, nil
}

func plotHistogram(rs *query.ResultSet, req Request, pal palette, _, _ vg.Length) (*plot.Plot, error) {
	vs := numbers(rs, "value")
	if len(vs) == 0 {
		return nil, &DataError{Kind: KindHistogram, Msg: "column value must be numeric"}
	}
	bins := req.Bins
	if bins <= 0 {
		bins = 10
	}
	st := req.Style
	if st.AxisYTitle == "" {
		st.AxisYTitle = "Frequency"
	}

	p := newPlot(st, pal)
	hist, err := plotter.NewHist(plotter.Values(vs), bins)
	if err != nil {
		return nil, plotError(KindHistogram, err)
	}
	hist.FillColor = pal.color(0)
	hist.LineStyle.Color = pal.background
	p.Add(hist)
	return p, nil
}
