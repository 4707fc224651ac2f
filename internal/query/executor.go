package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/ashureev/sqlsight/internal/config"
)

// ResultSet is the materialized output of a query.
type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Column returns the index of name, or -1. Matching is case-insensitive.
func (r *ResultSet) Column(name string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Observer is notified of every query outcome.
type Observer interface {
	ObserveQuery(outcome string, d time.Duration)
}

// Executor runs gated, read-only queries.
type Executor struct {
	db       *sql.DB
	timeout  time.Duration
	maxRows  int
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each query.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithMaxRows caps the rows materialized per query.
func WithMaxRows(n int) Option { return func(e *Executor) { e.maxRows = n } }

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// NewExecutor wraps db.
func NewExecutor(db *sql.DB, opts ...Option) *Executor {
	e := &Executor{db: db, timeout: 30 * time.Second, maxRows: 500}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open connects to the analytics database described by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverPostgres
	}
	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// Query validates q and returns its rows. Unsafe queries fail with
// ErrUnsafeQuery before reaching the database.
func (e *Executor) Query(ctx context.Context, q string) (*ResultSet, error) {
	start := time.Now()
	if !Validate(q) {
		e.observe("rejected", start)
		slog.Warn("Rejected unsafe query", "query", truncate(q, 200))
		return nil, ErrUnsafeQuery
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		e.observe("error", start)
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close query rows", "error", closeErr)
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		e.observe("error", start)
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if e.maxRows > 0 && len(rs.Rows) >= e.maxRows {
			rs.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			e.observe("error", start)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		e.observe("error", start)
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	e.observe("ok", start)
	return rs, nil
}

// Execute runs q and renders the outcome as text for a model. Rejections and
// database errors are part of the text; the returned error is reserved for
// context cancellation.
func (e *Executor) Execute(ctx context.Context, q string) (string, error) {
	rs, err := e.Query(ctx, q)
	switch {
	case errors.Is(err, ErrUnsafeQuery):
		return RejectionText, nil
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		return "Error executing query: " + err.Error(), nil
	}
	return FormatRows(rs), nil
}

// FormatRows renders rs the way the query tool reports results.
func FormatRows(rs *ResultSet) string {
	if rs == nil || len(rs.Rows) == 0 {
		return "Query executed successfully. No rows returned."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Query returned %d row(s):\n\n", len(rs.Rows))
	fmt.Fprintf(&b, "Columns: (%s)\n", strings.Join(rs.Columns, ", "))
	for i, row := range rs.Rows {
		fmt.Fprintf(&b, "Row %d: (", i+1)
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatValue(v))
		}
		b.WriteString(")\n")
	}
	if rs.Truncated {
		fmt.Fprintf(&b, "\nResult truncated to %d rows. Add a LIMIT or aggregate to see everything.\n", len(rs.Rows))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + x + "'"
	case time.Time:
		return "'" + x.Format(time.RFC3339) + "'"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

func (e *Executor) observe(outcome string, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveQuery(outcome, time.Since(start))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
