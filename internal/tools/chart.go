package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/sqlsight/internal/chart"
	"github.com/ashureev/sqlsight/internal/query"
)

// ChartRenderer draws a chart and returns its artifact path.
type ChartRenderer interface {
	Render(ctx context.Context, kind chart.Kind, req chart.Request) (string, error)
}

type chartArgs struct {
	Query      string  `json:"query"`
	QueryEdges string  `json:"query_edges"`
	Theme      string  `json:"theme"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Title      string  `json:"title"`
	AxisXTitle string  `json:"axisXTitle"`
	AxisYTitle string  `json:"axisYTitle"`
	Bins       int     `json:"bins"`
}

// ChartToolName is the capability name for kind.
func ChartToolName(kind chart.Kind) string {
	return "generate_" + string(kind) + "_chart"
}

// Charts returns one generate_<kind>_chart capability per chart kind.
func Charts(r ChartRenderer) []Capability {
	kinds := chart.Kinds()
	out := make([]Capability, 0, len(kinds))
	for _, info := range kinds {
		out = append(out, chartTool(r, info))
	}
	return out
}

func chartTool(r ChartRenderer, info chart.Info) Capability {
	name := ChartToolName(info.Kind)
	return New(name, chartDescription(info), chartSchema(info),
		func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args chartArgs
			if err := decode(name, raw, &args); err != nil {
				return "", err
			}
			path, err := r.Render(ctx, info.Kind, chart.Request{
				Query:      args.Query,
				EdgesQuery: args.QueryEdges,
				Bins:       args.Bins,
				Style: chart.Style{
					Theme:      chart.ParseTheme(args.Theme),
					Width:      args.Width,
					Height:     args.Height,
					Title:      args.Title,
					AxisXTitle: args.AxisXTitle,
					AxisYTitle: args.AxisYTitle,
				},
			})
			var dataErr *chart.DataError
			switch {
			case errors.Is(err, query.ErrUnsafeQuery):
				return query.RejectionText, nil
			case errors.As(err, &dataErr):
				return "", &Error{Tool: name, Err: dataErr}
			case err != nil && ctx.Err() != nil:
				return "", ctx.Err()
			case err != nil:
				return "", &Error{Tool: name, Err: err}
			}
			return "Chart saved to " + path, nil
		})
}

func chartDescription(info chart.Info) string {
	var b strings.Builder
	b.WriteString(info.Description)
	b.WriteString(" The SQL query must return columns: ")
	if len(info.Required) == 0 {
		b.WriteString("a single numeric value between 0 and 1")
	} else {
		b.WriteString(strings.Join(info.Required, ", "))
	}
	if len(info.Optional) > 0 {
		fmt.Fprintf(&b, " (optional: %s)", strings.Join(info.Optional, ", "))
	}
	b.WriteString(".")
	return b.String()
}

func chartSchema(info chart.Info) string {
	props := map[string]any{
		"query":      map[string]any{"type": "string", "description": "SQL query that fetches the chart data."},
		"theme":      map[string]any{"type": "string", "enum": []string{"default", "dark", "academy"}},
		"width":      map[string]any{"type": "number", "description": fmt.Sprintf("Figure width in inches. Default is %g.", info.DefaultWidth)},
		"height":     map[string]any{"type": "number", "description": fmt.Sprintf("Figure height in inches. Default is %g.", info.DefaultHeight)},
		"title":      map[string]any{"type": "string"},
		"axisXTitle": map[string]any{"type": "string"},
		"axisYTitle": map[string]any{"type": "string"},
	}
	required := []string{"query"}
	switch info.Kind {
	case chart.KindHistogram:
		props["bins"] = map[string]any{"type": "integer", "minimum": 1, "description": "Number of bins. Default is 10."}
	case chart.KindNetworkGraph:
		props["query_edges"] = map[string]any{"type": "string", "description": "SQL query returning source and target columns."}
		required = append(required, "query_edges")
	}
	out, err := json.Marshal(map[string]any{"type": "object", "properties": props, "required": required})
	if err != nil {
		panic(err)
	}
	return string(out)
}
