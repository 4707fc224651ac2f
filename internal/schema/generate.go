package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/llm"
)

const (
	tablesQuery = `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`

	columnsQuery = `SELECT column_name, data_type, character_maximum_length, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

	foreignKeysQuery = `SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'
ORDER BY tc.table_name, kcu.column_name`
)

// Catalog reads table metadata from a Postgres database.
type Catalog struct {
	db *sql.DB
}

// NewCatalog wraps db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Tables lists the tables of the public schema.
func (c *Catalog) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Columns describes the columns of table in ordinal order.
func (c *Catalog) Columns(ctx context.Context, table string) ([]domain.ColumnSchema, error) {
	rows, err := c.db.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.ColumnSchema
	for rows.Next() {
		var (
			col       domain.ColumnSchema
			maxLength sql.NullInt64
			def       sql.NullString
		)
		if err := rows.Scan(&col.ColumnName, &col.DataType, &maxLength, &col.IsNullable, &def); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		if maxLength.Valid {
			n := int(maxLength.Int64)
			col.MaxLength = &n
		}
		if def.Valid {
			v := def.String
			col.DefaultValue = &v
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// ForeignKeys returns the declared foreign keys keyed by owning table.
func (c *Catalog) ForeignKeys(ctx context.Context) (map[string][]domain.Relationship, error) {
	rows, err := c.db.QueryContext(ctx, foreignKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Relationship)
	for rows.Next() {
		var table string
		var rel domain.Relationship
		if err := rows.Scan(&table, &rel.Column, &rel.ReferencesTable, &rel.ReferencesColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		out[table] = append(out[table], rel)
	}
	return out, rows.Err()
}

// InferRelationships guesses foreign keys from column names: a column
// <x>_id references <x>.id when x, or a plural of x, names a table.
// Columns already covered by declared keys are skipped.
func InferRelationships(table string, cols []domain.ColumnSchema, tables []string, declared []domain.Relationship) []domain.Relationship {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	covered := make(map[string]bool, len(declared))
	for _, rel := range declared {
		covered[rel.Column] = true
	}

	out := append([]domain.Relationship(nil), declared...)
	for _, col := range cols {
		if covered[col.ColumnName] || !strings.HasSuffix(col.ColumnName, "_id") {
			continue
		}
		base := strings.TrimSuffix(col.ColumnName, "_id")
		if base == "" {
			continue
		}
		for _, candidate := range tableCandidates(base) {
			if candidate == table || !known[candidate] {
				continue
			}
			out = append(out, domain.Relationship{Column: col.ColumnName, ReferencesTable: candidate, ReferencesColumn: "id"})
			break
		}
	}
	return out
}

func tableCandidates(base string) []string {
	c := []string{base, base + "s", base + "es"}
	if strings.HasSuffix(base, "y") && len(base) > 1 {
		c = append(c, strings.TrimSuffix(base, "y")+"ies")
	}
	return c
}

// Description is the model's account of one table.
type Description struct {
	Summary string            `json:"description"`
	Columns map[string]string `json:"columns"`
}

// Describer writes human descriptions for a table.
type Describer interface {
	Describe(ctx context.Context, table string, cols []domain.ColumnSchema) (*Description, error)
}

const describePrompt = `You write short descriptions of database tables and their columns for analysts who write SQL against them.
Reply with a single JSON object and nothing else:
{"description": "<one or two sentences about the table>", "columns": {"<column_name>": "<one sentence>"}}`

// ModelDescriber asks a language model for descriptions.
type ModelDescriber struct {
	client    llm.Client
	model     string
	maxTokens int
}

// NewModelDescriber returns a Describer backed by client.
func NewModelDescriber(client llm.Client, model string, maxTokens int) *ModelDescriber {
	return &ModelDescriber{client: client, model: model, maxTokens: maxTokens}
}

// Describe implements Describer.
func (d *ModelDescriber) Describe(ctx context.Context, table string, cols []domain.ColumnSchema) (*Description, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\nColumns:\n", table)
	for _, col := range cols {
		fmt.Fprintf(&b, "- %s (%s, nullable=%s)\n", col.ColumnName, col.DataType, col.IsNullable)
	}

	req := &llm.Request{
		Model:     d.model,
		System:    describePrompt,
		Messages:  []domain.Message{domain.UserMessage(b.String())},
		MaxTokens: d.maxTokens,
	}
	var text strings.Builder
	for chunk, err := range d.client.Stream(ctx, req) {
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		text.WriteString(chunk.Text)
	}
	return parseDescription(text.String())
}

func parseDescription(reply string) (*Description, error) {
	s := strings.TrimSpace(reply)
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	var desc Description
	if err := json.Unmarshal([]byte(s[start:end+1]), &desc); err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}
	return &desc, nil
}

// Generator builds the schema document from a live database.
type Generator struct {
	catalog   *Catalog
	describer Describer
	logger    *slog.Logger
}

// NewGenerator returns a Generator. describer may be nil, in which case
// descriptions are left empty.
func NewGenerator(catalog *Catalog, describer Describer, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{catalog: catalog, describer: describer, logger: logger}
}

// Generate introspects every public table. A failed description is logged
// and leaves that table undescribed.
func (g *Generator) Generate(ctx context.Context) ([]domain.TableSchema, error) {
	tables, err := g.catalog.Tables(ctx)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Found tables", "count", len(tables))

	declared, err := g.catalog.ForeignKeys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.TableSchema, 0, len(tables))
	for _, table := range tables {
		cols, err := g.catalog.Columns(ctx, table)
		if err != nil {
			return nil, err
		}
		ts := domain.TableSchema{
			TableName:     table,
			Columns:       cols,
			Relationships: InferRelationships(table, cols, tables, declared[table]),
		}
		if g.describer != nil {
			desc, err := g.describer.Describe(ctx, table, cols)
			if err != nil {
				g.logger.Warn("Failed to describe table", "table", table, "error", err)
			} else {
				applyDescription(&ts, desc)
			}
		}
		g.logger.Info("Table analyzed", "table", table, "columns", len(cols), "relationships", len(ts.Relationships))
		out = append(out, ts)
	}
	return out, nil
}

func applyDescription(ts *domain.TableSchema, desc *Description) {
	ts.Description = desc.Summary
	for i := range ts.Columns {
		if d, ok := desc.Columns[ts.Columns[i].ColumnName]; ok {
			ts.Columns[i].Description = d
		}
	}
}

// WriteFile writes tables as an indented JSON document, sorted by name.
func WriteFile(path string, tables []domain.TableSchema) error {
	sorted := append([]domain.TableSchema(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TableName < sorted[j].TableName })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create schema dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	return nil
}
