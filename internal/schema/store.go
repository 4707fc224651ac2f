// Package schema serves the table descriptions the agents consult before
// writing SQL.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ashureev/sqlsight/internal/domain"
)

// ErrTableNotFound is returned by ReadSchema for an unknown table.
var ErrTableNotFound = errors.New("table not found")

// TableSummary is the lightweight listing entry of a table.
type TableSummary struct {
	TableName     string                `json:"table_name"`
	Description   string                `json:"description"`
	Columns       []string              `json:"columns"`
	Relationships []domain.Relationship `json:"relationships,omitempty"`
}

// TableDetail is the full column listing of one table.
type TableDetail struct {
	Columns       []domain.ColumnSchema `json:"columns"`
	Relationships []domain.Relationship `json:"relationships,omitempty"`
}

// Store reads the schema document once, on first use, and serves it
// read-only for the life of the process.
type Store struct {
	path string

	once   sync.Once
	tables []domain.TableSchema
	err    error
}

// NewStore returns a store backed by the JSON document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// NewStoreFromTables returns a store serving tables directly.
func NewStoreFromTables(tables []domain.TableSchema) *Store {
	s := &Store{}
	s.once.Do(func() { s.tables = tables })
	return s
}

func (s *Store) load() ([]domain.TableSchema, error) {
	s.once.Do(func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			s.err = fmt.Errorf("read schema file: %w", err)
			return
		}
		var tables []domain.TableSchema
		if err := json.Unmarshal(data, &tables); err != nil {
			s.err = fmt.Errorf("decode schema file: %w", err)
			return
		}
		s.tables = tables
	})
	return s.tables, s.err
}

// ListTables returns every table with its column names.
func (s *Store) ListTables(_ context.Context) ([]TableSummary, error) {
	tables, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]TableSummary, 0, len(tables))
	for _, t := range tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, c.ColumnName)
		}
		out = append(out, TableSummary{
			TableName:     t.TableName,
			Description:   t.Description,
			Columns:       cols,
			Relationships: t.Relationships,
		})
	}
	return out, nil
}

// ReadSchema returns the columns and relationships of table.
func (s *Store) ReadSchema(_ context.Context, table string) (*TableDetail, error) {
	tables, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t.TableName == table {
			return &TableDetail{Columns: t.Columns, Relationships: t.Relationships}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
}

// TableNames lists the known table names in document order.
func (s *Store) TableNames(_ context.Context) ([]string, error) {
	tables, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.TableName
	}
	return names, nil
}
