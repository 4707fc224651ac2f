package chart

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sqlsight/internal/query"
)

// number converts a scanned database value to float64.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []byte:
		return number(string(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// label renders a scanned value as an axis or legend label.
func label(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04")
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// numbers extracts column col as floats, skipping non-numeric cells.
func numbers(rs *query.ResultSet, col string) []float64 {
	idx := rs.Column(col)
	if idx < 0 {
		return nil
	}
	out := make([]float64, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if f, ok := number(row[idx]); ok {
			out = append(out, f)
		}
	}
	return out
}

// pair is one labelled value.
type pair struct {
	label string
	value float64
}

// pairs extracts (labelCol, valueCol) rows, skipping non-numeric values.
func pairs(rs *query.ResultSet, labelCol, valueCol string) []pair {
	li, vi := rs.Column(labelCol), rs.Column(valueCol)
	out := make([]pair, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if f, ok := number(row[vi]); ok {
			out = append(out, pair{label: label(row[li]), value: f})
		}
	}
	return out
}

// grouped is a category x group matrix. Missing cells are NaN.
type grouped struct {
	categories []string
	groups     []string
	values     [][]float64 // [group][category]
}

// groupBy pivots rs on xCol, grouping by groupCol when present.
func groupBy(rs *query.ResultSet, xCol, yCol, groupCol string) grouped {
	xi, yi, gi := rs.Column(xCol), rs.Column(yCol), rs.Column(groupCol)
	var g grouped
	catIdx := map[string]int{}
	grpIdx := map[string]int{}
	type cell struct {
		cat, grp int
		v        float64
	}
	var cells []cell
	for _, row := range rs.Rows {
		v, ok := number(row[yi])
		if !ok {
			continue
		}
		cat := label(row[xi])
		grp := ""
		if gi >= 0 {
			grp = label(row[gi])
		}
		ci, seen := catIdx[cat]
		if !seen {
			ci = len(g.categories)
			catIdx[cat] = ci
			g.categories = append(g.categories, cat)
		}
		gj, seen := grpIdx[grp]
		if !seen {
			gj = len(g.groups)
			grpIdx[grp] = gj
			g.groups = append(g.groups, grp)
		}
		cells = append(cells, cell{ci, gj, v})
	}
	g.values = make([][]float64, len(g.groups))
	for i := range g.values {
		g.values[i] = make([]float64, len(g.categories))
		for j := range g.values[i] {
			g.values[i][j] = math.NaN()
		}
	}
	for _, c := range cells {
		if math.IsNaN(g.values[c.grp][c.cat]) {
			g.values[c.grp][c.cat] = c.v
		} else {
			g.values[c.grp][c.cat] += c.v
		}
	}
	return g
}

// bounds returns the min and max of the finite values.
func bounds(vs ...[]float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range vs {
		for _, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	return lo, hi
}

func formatTick(v float64) string {
	switch {
	case math.Abs(v) >= 1e6:
		return strconv.FormatFloat(v/1e6, 'f', 1, 64) + "M"
	case math.Abs(v) >= 1e4:
		return strconv.FormatFloat(v/1e3, 'f', 1, 64) + "k"
	case v == math.Trunc(v):
		return strconv.FormatFloat(v, 'f', 0, 64)
	default:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
}

func clip(s string, px int) string {
	maxChars := px / glyphWidth
	if maxChars <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	if maxChars <= 2 {
		return string(r[:maxChars])
	}
	return string(r[:maxChars-2]) + ".."
}
