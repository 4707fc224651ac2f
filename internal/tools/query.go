package tools

import (
	"context"
	"encoding/json"
)

// QueryRunner renders query outcomes as text.
type QueryRunner interface {
	Execute(ctx context.Context, q string) (string, error)
}

// ExecuteQuery runs read-only SQL through the safety gate.
func ExecuteQuery(runner QueryRunner) Capability {
	const name = "execute_query"
	return New(name,
		"Executes a given SQL query on the database and returns the results. "+
			"Only SELECT queries are allowed for safety.",
		`{"type":"object","properties":{"query":{"type":"string","description":"The SQL query to be executed (SELECT statements only)."}},"required":["query"]}`,
		func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := decode(name, raw, &args); err != nil {
				return "", err
			}
			return runner.Execute(ctx, args.Query)
		})
}
