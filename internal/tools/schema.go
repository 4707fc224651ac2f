package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/sqlsight/internal/schema"
)

// SchemaReader is the read side of the schema store.
type SchemaReader interface {
	ListTables(ctx context.Context) ([]schema.TableSummary, error)
	ReadSchema(ctx context.Context, table string) (*schema.TableDetail, error)
	TableNames(ctx context.Context) ([]string, error)
}

// GetTables lists every table with its description, column names and
// relationships.
func GetTables(store SchemaReader) Capability {
	return New("get_tables",
		"Get a lightweight list of tables in the database: name, description, column names "+
			"(just names, not full details), and foreign-key relationships. "+
			"Use read_schema_tool to get full column details for a specific table.",
		`{"type":"object","properties":{}}`,
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			tables, err := store.ListTables(ctx)
			if err != nil {
				return "", Failf("get_tables", "loading tables: %v", err)
			}
			out, err := json.Marshal(tables)
			if err != nil {
				return "", Failf("get_tables", "loading tables: %v", err)
			}
			return string(out), nil
		})
}

// ReadSchema returns the columns and relationships of one table.
func ReadSchema(store SchemaReader) Capability {
	const name = "read_schema_tool"
	return New(name,
		"Reads the schema of a specific table and returns its columns and relationships.",
		`{"type":"object","properties":{"table_name":{"type":"string","description":"Name of the table to look up."}},"required":["table_name"]}`,
		func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				TableName string `json:"table_name"`
			}
			if err := decode(name, raw, &args); err != nil {
				return "", err
			}
			detail, err := store.ReadSchema(ctx, args.TableName)
			if errors.Is(err, schema.ErrTableNotFound) {
				names, listErr := store.TableNames(ctx)
				if listErr != nil {
					return "", Failf(name, "reading schema: %v", listErr)
				}
				return fmt.Sprintf("Table '%s' not found. Available tables: %s", args.TableName, quoteList(names)), nil
			}
			if err != nil {
				return "", Failf(name, "reading schema: %v", err)
			}
			out, err := json.Marshal(detail)
			if err != nil {
				return "", Failf(name, "reading schema: %v", err)
			}
			return string(out), nil
		})
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
