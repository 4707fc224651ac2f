package chart

import (
	"image"
	"image/color"
	"math"
	"slices"
	"strings"

	"github.com/ashureev/sqlsight/internal/query"
)

// plotArea is the rectangle inside the axes together with its value range.
type plotArea struct {
	c                        *canvas
	left, top, right, bottom int
	lo, hi                   float64
}

// frame draws the title and axis titles and returns the remaining plot
// rectangle. legend reserves a column on the right for series labels.
func frame(c *canvas, st Style, legend bool) plotArea {
	fg := c.pal.foreground
	top := 12
	if st.Title != "" {
		c.textCentered(c.width()/2, top, clip(st.Title, c.width()-20), fg)
		top += glyphHeight + 14
	}
	left, right, bottom := 64, c.width()-20, c.height()-44
	if st.AxisYTitle != "" {
		c.text(6, top, clip(st.AxisYTitle, left*2), fg)
		top += glyphHeight + 6
	}
	if st.AxisXTitle != "" {
		c.textCentered((left+right)/2, c.height()-glyphHeight-4, clip(st.AxisXTitle, right-left), fg)
		bottom -= 8
	}
	if legend {
		right -= 120
	}
	return plotArea{c: c, left: left, top: top + 6, right: right, bottom: bottom}
}

// yScale fixes the value range, padding it to include zero when zero is
// true, and draws the horizontal grid with tick labels.
func (p *plotArea) yScale(lo, hi float64, zero bool) {
	if zero {
		lo = math.Min(lo, 0)
		hi = math.Max(hi, 0)
	}
	if hi == lo {
		hi = lo + 1
	}
	pad := (hi - lo) * 0.05
	if !(zero && lo == 0) {
		lo -= pad
	}
	hi += pad
	p.lo, p.hi = lo, hi

	const ticks = 5
	for i := 0; i <= ticks; i++ {
		v := lo + (hi-lo)*float64(i)/ticks
		y := p.y(v)
		p.c.gridLine(p.left, y, p.right, y)
		s := formatTick(v)
		p.c.text(p.left-textWidth(s)-6, y-glyphHeight/2, s, p.c.pal.foreground)
	}
	p.c.line(p.left, p.top, p.left, p.bottom, p.c.pal.foreground, 1)
	p.c.line(p.left, p.bottom, p.right, p.bottom, p.c.pal.foreground, 1)
}

func (p *plotArea) y(v float64) int {
	return p.bottom - int(math.Round((v-p.lo)/(p.hi-p.lo)*float64(p.bottom-p.top)))
}

// band returns the centre and width of slot i of n along the x axis.
func (p *plotArea) band(i, n int) (center, width int) {
	w := float64(p.right-p.left) / float64(max(n, 1))
	return p.left + int(w*float64(i)+w/2), int(w)
}

// categoryLabels writes one label per band under the x axis, thinning them
// when they would overlap.
func (p *plotArea) categoryLabels(cats []string) {
	if len(cats) == 0 {
		return
	}
	_, w := p.band(0, len(cats))
	step := 1
	for step < len(cats) && w*step < 50 {
		step++
	}
	for i := 0; i < len(cats); i += step {
		cx, _ := p.band(i, len(cats))
		p.c.textCentered(cx, p.bottom+6, clip(cats[i], w*step-4), p.c.pal.foreground)
	}
}

// legend lists named series in the column reserved by frame.
func (p *plotArea) legend(names []string) {
	if len(names) < 2 && (len(names) == 0 || names[0] == "") {
		return
	}
	x := p.right + 16
	for i, n := range names {
		y := p.top + i*(glyphHeight+6)
		p.c.fillRect(x, y+2, x+10, y+12, p.c.seriesColor(i))
		p.c.text(x+16, y, clip(n, 100), p.c.pal.foreground)
	}
}

func hasGroups(g grouped) bool { return len(g.groups) > 1 || (len(g.groups) == 1 && g.groups[0] != "") }

func drawFunnel(c *canvas, rs, _ *query.ResultSet, req Request) error {
	stages := pairs(rs, "stage", "value")
	p := frame(c, req.Style, false)
	_, top := bounds(values(stages))
	if top <= 0 {
		top = 1
	}
	h := float64(p.bottom-p.top) / float64(max(len(stages), 1))
	mid := (p.left + p.right) / 2
	full := float64(p.right - p.left)
	for i, s := range stages {
		w := int(full * math.Max(s.value, 0) / top / 2)
		y0 := p.top + int(h*float64(i)) + 2
		y1 := p.top + int(h*float64(i+1)) - 2
		c.fillRect(mid-w, y0, mid+w, y1, c.seriesColor(i))
		txt := s.label + ": " + formatTick(s.value)
		c.textCentered(mid, (y0+y1)/2-glyphHeight/2, clip(txt, int(full)), c.pal.foreground)
	}
	return nil
}

func drawLiquid(c *canvas, rs, _ *query.ResultSet, req Request) error {
	var ratio float64
	found := false
	for _, cell := range rs.Rows[0] {
		if v, ok := number(cell); ok {
			ratio, found = v, true
			break
		}
	}
	if !found {
		return &DataError{Kind: KindLiquid, Msg: "first row has no numeric value"}
	}
	ratio = math.Min(math.Max(ratio, 0), 1)
	p := frame(c, req.Style, false)
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	r := min(p.right-p.left, p.bottom-p.top)/2 - 8
	col := c.seriesColor(0)
	level := cy + r - int(float64(2*r)*ratio)
	for y := -r; y <= r; y++ {
		if cy+y < level {
			continue
		}
		span := int(math.Sqrt(float64(r*r - y*y)))
		c.fillRect(cx-span, cy+y, cx+span, cy+y, withAlpha(col, 200))
	}
	c.strokeCircle(cx, cy, r, col)
	c.strokeCircle(cx, cy, r+4, col)
	pct := formatTick(math.Round(ratio*1000)/10) + "%"
	c.textScaled(cx-textWidth(pct), cy-glyphHeight, pct, c.pal.foreground, 2)
	return nil
}

func drawNetwork(c *canvas, rs, edges *query.ResultSet, req Request) error {
	ni := rs.Column("name")
	var nodes []string
	for _, row := range rs.Rows {
		if n := label(row[ni]); n != "" && !slices.Contains(nodes, n) {
			nodes = append(nodes, n)
		}
	}
	si, ti := edges.Column("source"), edges.Column("target")
	if si < 0 || ti < 0 {
		return &DataError{Kind: KindNetworkGraph, Msg: "query_edges must return source and target columns"}
	}
	p := frame(c, req.Style, false)
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	r := min(p.right-p.left, p.bottom-p.top)/2 - 30
	pos := make(map[string]image.Point, len(nodes))
	for i, n := range nodes {
		a := 2*math.Pi*float64(i)/float64(len(nodes)) - math.Pi/2
		pos[n] = image.Point{X: cx + int(float64(r)*math.Cos(a)), Y: cy + int(float64(r)*math.Sin(a))}
	}
	for _, row := range edges.Rows {
		a, okA := pos[label(row[si])]
		b, okB := pos[label(row[ti])]
		if okA && okB {
			c.line(a.X, a.Y, b.X, b.Y, withAlpha(c.pal.foreground, 110), 1)
		}
	}
	for i, n := range nodes {
		pt := pos[n]
		c.fillCircle(pt.X, pt.Y, 10, c.seriesColor(i))
		c.textCentered(pt.X, pt.Y+14, clip(n, 120), c.pal.foreground)
	}
	return nil
}

func drawPie(c *canvas, rs, _ *query.ResultSet, req Request) error {
	parts := pairs(rs, "type", "value")
	var total float64
	for _, s := range parts {
		total += math.Max(s.value, 0)
	}
	if total == 0 {
		return &DataError{Kind: KindPie, Msg: "values must sum to more than zero"}
	}
	p := frame(c, req.Style, true)
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	r := min(p.right-p.left, p.bottom-p.top)/2 - 4
	start := -math.Pi / 2
	names := make([]string, len(parts))
	for i, s := range parts {
		sweep := 2 * math.Pi * math.Max(s.value, 0) / total
		pts := []image.Point{{X: cx, Y: cy}}
		steps := max(int(sweep*float64(r)/4), 2)
		for k := 0; k <= steps; k++ {
			a := start + sweep*float64(k)/float64(steps)
			pts = append(pts, image.Point{X: cx + int(float64(r)*math.Cos(a)), Y: cy + int(float64(r)*math.Sin(a))})
		}
		c.fillPolygon(pts, c.seriesColor(i))
		start += sweep
		names[i] = s.label + " (" + formatTick(math.Round(s.value/total*1000)/10) + "%)"
	}
	p.legend(names)
	return nil
}

func drawRadar(c *canvas, rs, _ *query.ResultSet, req Request) error {
	g := groupBy(rs, "item", "score", "group")
	if len(g.categories) < 3 {
		return &DataError{Kind: KindRadar, Msg: "at least three items are required"}
	}
	p := frame(c, req.Style, hasGroups(g))
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	r := float64(min(p.right-p.left, p.bottom-p.top)/2 - 24)
	_, hi := bounds(g.values...)
	if hi <= 0 {
		hi = 1
	}
	n := len(g.categories)
	at := func(i int, frac float64) image.Point {
		a := 2*math.Pi*float64(i)/float64(n) - math.Pi/2
		return image.Point{X: cx + int(r*frac*math.Cos(a)), Y: cy + int(r*frac*math.Sin(a))}
	}
	for ring := 1; ring <= 4; ring++ {
		var pts []image.Point
		for i := 0; i <= n; i++ {
			pts = append(pts, at(i%n, float64(ring)/4))
		}
		for i := 1; i < len(pts); i++ {
			c.gridLine(pts[i-1].X, pts[i-1].Y, pts[i].X, pts[i].Y)
		}
	}
	for i, cat := range g.categories {
		edge := at(i, 1)
		c.gridLine(cx, cy, edge.X, edge.Y)
		lbl := at(i, 1.08)
		c.textCentered(lbl.X, lbl.Y-glyphHeight/2, clip(cat, 100), c.pal.foreground)
	}
	for gi, series := range g.values {
		col := c.seriesColor(gi)
		var pts []image.Point
		for i, v := range series {
			if math.IsNaN(v) {
				v = 0
			}
			pts = append(pts, at(i, math.Max(v, 0)/hi))
		}
		c.fillPolygon(pts, withAlpha(col, 70))
		c.polyline(append(pts, pts[0]), col, 2)
	}
	if hasGroups(g) {
		p.legend(g.groups)
	}
	return nil
}

func drawTreemap(c *canvas, rs, _ *query.ResultSet, req Request) error {
	items := pairs(rs, "name", "value")
	items = slices.DeleteFunc(items, func(p pair) bool { return p.value <= 0 })
	if len(items) == 0 {
		return &DataError{Kind: KindTreemap, Msg: "no positive values"}
	}
	slices.SortStableFunc(items, func(a, b pair) int {
		switch {
		case a.value > b.value:
			return -1
		case a.value < b.value:
			return 1
		}
		return 0
	})
	p := frame(c, req.Style, false)
	var layout func(items []pair, r image.Rectangle, depth int)
	layout = func(items []pair, r image.Rectangle, depth int) {
		if len(items) == 0 {
			return
		}
		if len(items) == 1 {
			col := c.seriesColor(depth)
			c.fillRect(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y, col)
			c.strokeRect(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y, c.pal.background)
			txt := clip(items[0].label, r.Dx()-8)
			if r.Dy() > glyphHeight+6 {
				c.text(r.Min.X+4, r.Min.Y+4, txt, c.pal.background)
			}
			return
		}
		total := 0.0
		for _, it := range items {
			total += it.value
		}
		// Split where the first part reaches half of the total.
		acc, cut := 0.0, 1
		for i, it := range items {
			acc += it.value
			if acc >= total/2 {
				cut = max(i+1, 1)
				break
			}
		}
		if cut >= len(items) {
			cut = len(items) - 1
		}
		first := 0.0
		for _, it := range items[:cut] {
			first += it.value
		}
		frac := first / total
		a, b := r, r
		if r.Dx() >= r.Dy() {
			split := r.Min.X + int(float64(r.Dx())*frac)
			a.Max.X, b.Min.X = split, split
		} else {
			split := r.Min.Y + int(float64(r.Dy())*frac)
			a.Max.Y, b.Min.Y = split, split
		}
		layout(items[:cut], a, depth)
		layout(items[cut:], b, depth+cut)
	}
	layout(items, image.Rect(p.left-44, p.top, p.right, p.bottom), 0)
	return nil
}

func drawVenn(c *canvas, rs, _ *query.ResultSet, req Request) error {
	ni := rs.Column("name")
	var names []string
	for _, row := range rs.Rows {
		names = append(names, label(row[ni]))
	}
	if len(names) < 2 || len(names) > 3 {
		return &DataError{Kind: KindVenn, Msg: "venn diagrams need two or three sets"}
	}
	p := frame(c, req.Style, false)
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	r := min(p.right-p.left, p.bottom-p.top) / 4
	offsets := []image.Point{{X: -r / 2, Y: 0}, {X: r / 2, Y: 0}}
	if len(names) == 3 {
		offsets = []image.Point{{X: -r / 2, Y: -r / 3}, {X: r / 2, Y: -r / 3}, {X: 0, Y: r / 2}}
	}
	for i, off := range offsets {
		c.fillCircle(cx+off.X, cy+off.Y, r, withAlpha(c.seriesColor(i), 90))
	}
	for i, off := range offsets {
		c.strokeCircle(cx+off.X, cy+off.Y, r, c.seriesColor(i))
		lx := cx + off.X*2
		ly := cy + off.Y*2
		c.textCentered(lx, ly-glyphHeight/2, clip(names[i], r), c.pal.foreground)
	}
	return nil
}

func drawWaterfall(c *canvas, rs, _ *query.ResultSet, req Request) error {
	steps := pairs(rs, "label", "value")
	total := 0.0
	levels := []float64{0}
	for _, s := range steps {
		total += s.value
		levels = append(levels, total)
	}
	p := frame(c, req.Style, false)
	lo, hi := bounds(levels)
	p.yScale(lo, hi, true)
	up := color.RGBA{46, 160, 67, 255}
	down := color.RGBA{218, 54, 51, 255}
	n := len(steps) + 1
	cats := make([]string, 0, n)
	run := 0.0
	for i, s := range steps {
		cx, w := p.band(i, n)
		col := up
		if s.value < 0 {
			col = down
		}
		c.fillRect(cx-w/3, p.y(run), cx+w/3, p.y(run+s.value), col)
		if i > 0 {
			prev, _ := p.band(i-1, n)
			c.dashedLine(prev+w/3, p.y(run), cx-w/3, p.y(run), c.pal.foreground)
		}
		run += s.value
		cats = append(cats, s.label)
	}
	cx, w := p.band(len(steps), n)
	c.fillRect(cx-w/3, p.y(0), cx+w/3, p.y(total), c.seriesColor(0))
	p.categoryLabels(append(cats, "Total"))
	return nil
}

func drawWordCloud(c *canvas, rs, _ *query.ResultSet, req Request) error {
	words := pairs(rs, "name", "value")
	if len(words) == 0 {
		return &DataError{Kind: KindWordCloud, Msg: "column value must be numeric"}
	}
	slices.SortStableFunc(words, func(a, b pair) int {
		switch {
		case a.value > b.value:
			return -1
		case a.value < b.value:
			return 1
		}
		return 0
	})
	p := frame(c, req.Style, false)
	lo, hi := bounds(values(words))
	var placed []image.Rectangle
	cx, cy := (p.left+p.right)/2, (p.top+p.bottom)/2
	area := image.Rect(p.left-44, p.top, p.right, p.bottom)
	for i, w := range words {
		scale := 1
		if hi > lo {
			scale = 1 + int(math.Round((w.value-lo)/(hi-lo)*3))
		}
		word := strings.TrimSpace(w.label)
		bw, bh := textWidth(word)*scale, glyphHeight*scale
		// Walk an Archimedean spiral until the word fits without overlap.
		for t := 0.0; t < 200; t += 0.1 {
			x := cx + int(6*t*math.Cos(t)) - bw/2
			y := cy + int(4*t*math.Sin(t)) - bh/2
			box := image.Rect(x, y, x+bw, y+bh)
			if !box.In(area) || overlaps(box, placed) {
				continue
			}
			c.textScaled(x, y, word, c.seriesColor(i), scale)
			placed = append(placed, box.Inset(-2))
			break
		}
	}
	return nil
}

func overlaps(r image.Rectangle, rs []image.Rectangle) bool {
	for _, o := range rs {
		if r.Overlaps(o) {
			return true
		}
	}
	return false
}

func values(ps []pair) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = p.value
	}
	return out
}

func withAlpha(col color.RGBA, a uint8) color.RGBA {
	col.A = a
	return col
}
