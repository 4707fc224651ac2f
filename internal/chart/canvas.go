package chart

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"slices"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// palette is the colour set of one theme.
type palette struct {
	background color.RGBA
	foreground color.RGBA
	grid       color.RGBA
	series     []color.RGBA
	dashedGrid bool
}

var palettes = map[Theme]palette{
	ThemeDefault: {
		background: color.RGBA{255, 255, 255, 255},
		foreground: color.RGBA{33, 33, 33, 255},
		grid:       color.RGBA{225, 225, 225, 255},
		series: []color.RGBA{
			{31, 119, 180, 255}, {255, 127, 14, 255}, {44, 160, 44, 255}, {214, 39, 40, 255},
			{148, 103, 189, 255}, {140, 86, 75, 255}, {227, 119, 194, 255}, {127, 127, 127, 255},
		},
	},
	ThemeDark: {
		background: color.RGBA{44, 44, 44, 255},
		foreground: color.RGBA{240, 240, 240, 255},
		grid:       color.RGBA{80, 80, 80, 255},
		series: []color.RGBA{
			{100, 181, 246, 255}, {255, 183, 77, 255}, {129, 199, 132, 255}, {229, 115, 115, 255},
			{186, 104, 200, 255}, {161, 136, 127, 255}, {240, 98, 146, 255}, {189, 189, 189, 255},
		},
	},
	ThemeAcademy: {
		background: color.RGBA{250, 250, 245, 255},
		foreground: color.RGBA{20, 20, 20, 255},
		grid:       color.RGBA{190, 190, 190, 255},
		series: []color.RGBA{
			{0, 63, 92, 255}, {188, 80, 144, 255}, {255, 166, 0, 255}, {88, 80, 141, 255},
			{255, 99, 97, 255}, {47, 75, 124, 255}, {160, 81, 149, 255}, {212, 80, 135, 255},
		},
		dashedGrid: true,
	},
}

const (
	glyphWidth  = 7
	glyphHeight = 13
)

// canvas is an RGBA image with the few primitives charts need.
type canvas struct {
	img *image.RGBA
	pal palette
}

func newCanvas(w, h int, theme Theme) *canvas {
	pal, ok := palettes[theme]
	if !ok {
		pal = palettes[ThemeDefault]
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: pal.background}, image.Point{}, draw.Src)
	return &canvas{img: img, pal: pal}
}

func (c *canvas) width() int  { return c.img.Bounds().Dx() }
func (c *canvas) height() int { return c.img.Bounds().Dy() }

func (c *canvas) seriesColor(i int) color.RGBA {
	return c.pal.color(i)
}

// blend paints col over the pixel at (x, y) honouring its alpha.
func (c *canvas) blend(x, y int, col color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(c.img.Bounds())) {
		return
	}
	if col.A == 255 {
		c.img.SetRGBA(x, y, col)
		return
	}
	dst := c.img.RGBAAt(x, y)
	a := float64(col.A) / 255
	mix := func(s, d uint8) uint8 { return uint8(float64(s)*a + float64(d)*(1-a)) }
	c.img.SetRGBA(x, y, color.RGBA{mix(col.R, dst.R), mix(col.G, dst.G), mix(col.B, dst.B), 255})
}

func (c *canvas) fillRect(x0, y0, x1, y1 int, col color.RGBA) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			c.blend(x, y, col)
		}
	}
}

func (c *canvas) strokeRect(x0, y0, x1, y1 int, col color.RGBA) {
	c.line(x0, y0, x1, y0, col, 1)
	c.line(x1, y0, x1, y1, col, 1)
	c.line(x1, y1, x0, y1, col, 1)
	c.line(x0, y1, x0, y0, col, 1)
}

// line draws a segment of the given thickness with Bresenham's algorithm.
func (c *canvas) line(x0, y0, x1, y1 int, col color.RGBA, thickness int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	half := thickness / 2
	err := dx + dy
	for {
		for oy := -half; oy <= half; oy++ {
			for ox := -half; ox <= half; ox++ {
				c.blend(x0+ox, y0+oy, col)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func (c *canvas) dashedLine(x0, y0, x1, y1 int, col color.RGBA) {
	steps := max(abs(x1-x0), abs(y1-y0))
	for i := 0; i <= steps; i++ {
		if (i/4)%2 == 1 {
			continue
		}
		t := 0.0
		if steps > 0 {
			t = float64(i) / float64(steps)
		}
		c.blend(x0+int(math.Round(t*float64(x1-x0))), y0+int(math.Round(t*float64(y1-y0))), col)
	}
}

func (c *canvas) gridLine(x0, y0, x1, y1 int) {
	if c.pal.dashedGrid {
		c.dashedLine(x0, y0, x1, y1, c.pal.grid)
		return
	}
	c.line(x0, y0, x1, y1, c.pal.grid, 1)
}

func (c *canvas) fillCircle(cx, cy, r int, col color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				c.blend(cx+x, cy+y, col)
			}
		}
	}
}

func (c *canvas) strokeCircle(cx, cy, r int, col color.RGBA) {
	steps := max(32, 8*r)
	px, py := cx+r, cy
	for i := 1; i <= steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		x := cx + int(math.Round(float64(r)*math.Cos(a)))
		y := cy + int(math.Round(float64(r)*math.Sin(a)))
		c.line(px, py, x, y, col, 1)
		px, py = x, y
	}
}

// fillPolygon fills the polygon given by pts using the even-odd rule.
func (c *canvas) fillPolygon(pts []image.Point, col color.RGBA) {
	if len(pts) < 3 {
		return
	}
	minY, maxY := pts[0].Y, pts[0].Y
	for _, p := range pts {
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	for y := minY; y <= maxY; y++ {
		var xs []int
		for i := range pts {
			a, b := pts[i], pts[(i+1)%len(pts)]
			if (a.Y <= y && b.Y > y) || (b.Y <= y && a.Y > y) {
				x := a.X + (y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
				xs = append(xs, x)
			}
		}
		slices.Sort(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			for x := xs[i]; x <= xs[i+1]; x++ {
				c.blend(x, y, col)
			}
		}
	}
}

func (c *canvas) polyline(pts []image.Point, col color.RGBA, thickness int) {
	for i := 1; i < len(pts); i++ {
		c.line(pts[i-1].X, pts[i-1].Y, pts[i].X, pts[i].Y, col, thickness)
	}
}

// text draws s with its top-left corner at (x, y).
func (c *canvas) text(x, y int, s string, col color.RGBA) {
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y+basicfont.Face7x13.Ascent),
	}
	d.DrawString(s)
}

// textScaled draws s enlarged by an integer factor.
func (c *canvas) textScaled(x, y int, s string, col color.RGBA, scale int) {
	if scale <= 1 {
		c.text(x, y, s, col)
		return
	}
	w := textWidth(s)
	tmp := image.NewAlpha(image.Rect(0, 0, w, glyphHeight))
	d := &font.Drawer{
		Dst:  tmp,
		Src:  image.Opaque,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(0, basicfont.Face7x13.Ascent),
	}
	d.DrawString(s)
	for ty := 0; ty < glyphHeight; ty++ {
		for tx := 0; tx < w; tx++ {
			if tmp.AlphaAt(tx, ty).A == 0 {
				continue
			}
			c.fillRect(x+tx*scale, y+ty*scale, x+tx*scale+scale-1, y+ty*scale+scale-1, col)
		}
	}
}

func (c *canvas) textCentered(cx, y int, s string, col color.RGBA) {
	c.text(cx-textWidth(s)/2, y, s, col)
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Round()
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
