package sqlsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// StaticResult is a canned query result.
type StaticResult struct {
	Columns []string
	Rows    [][]any
	// Err is returned by Rows.Err after the rows are consumed.
	Err error
}

// StaticCall records one query received by a StaticQuerier.
type StaticCall struct {
	SQL  string
	Args []any
}

// StaticQuerier answers queries from canned results keyed by SQL text. It stands in for
// a database in tests and local runs.
type StaticQuerier struct {
	mu      sync.Mutex
	results map[string]StaticResult
	calls   []StaticCall
}

// NewStaticQuerier creates a StaticQuerier.
func NewStaticQuerier(results map[string]StaticResult) *StaticQuerier {
	return &StaticQuerier{results: results}
}

// Query implements Querier. Unknown SQL fails.
func (q *StaticQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, StaticCall{SQL: sql, Args: args})

	res, ok := q.results[sql]
	if !ok {
		return nil, fmt.Errorf("no canned result for query %q", sql)
	}
	return &staticRows{result: res}, nil
}

// Calls returns the queries received so far.
func (q *StaticQuerier) Calls() []StaticCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]StaticCall(nil), q.calls...)
}

type staticRows struct {
	result StaticResult
	pos    int
	closed bool
}

func (r *staticRows) Close()                        { r.closed = true }
func (r *staticRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *staticRows) Conn() *pgx.Conn               { return nil }
func (r *staticRows) RawValues() [][]byte           { return nil }

func (r *staticRows) Err() error {
	if r.pos >= len(r.result.Rows) {
		return r.result.Err
	}
	return nil
}

func (r *staticRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.result.Columns))
	for i, c := range r.result.Columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *staticRows) Next() bool {
	if r.closed || r.pos >= len(r.result.Rows) {
		return false
	}
	r.pos++
	return true
}

func (r *staticRows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.result.Rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.result.Rows[r.pos-1]...), nil
}

func (r *staticRows) Scan(dest ...any) error {
	return errors.New("scan is not supported, use Values")
}
