// Package sqlsource builds report tables from SQL queries. Each configured query fills
// one table; filter values from the request are bound to its positional parameters.
package sqlsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/coerce"
	"github.com/wehubfusion/Banda/pkg/config"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/table"
)

// Wildcard is the filter value meaning "no filter"; it binds as NULL.
const Wildcard = "*"

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TypeResolver supplies declared column types.
type TypeResolver interface {
	ColumnType(tableName, column string) (table.ColumnType, bool)
}

// Stats summarizes one Load.
type Stats struct {
	Queries          int
	Rows             int
	CoercionFailures int
}

// Loader runs report queries.
type Loader struct {
	db     Querier
	ids    *idgen.Store
	logger *zap.Logger
}

// NewLoader creates a Loader. A nil ids creates a private counter store.
func NewLoader(db Querier, ids *idgen.Store, logger *zap.Logger) *Loader {
	if ids == nil {
		ids = idgen.NewStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{db: db, ids: ids, logger: logger}
}

// Bind orders filter values by parameter name. Names match case-insensitively; a
// missing filter, a JSON null and the wildcard all bind as nil.
func Bind(params []string, filters map[string]any) []any {
	args := make([]any, len(params))
	for i, p := range params {
		v, ok := filters[p]
		if !ok {
			for k, fv := range filters {
				if strings.EqualFold(k, p) {
					v, ok = fv, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == Wildcard {
			continue
		}
		args[i] = v
	}
	return args
}

// Load runs every query in order and appends its result rows to the table named by the
// query, creating it on first use. Every table gets a synthetic <Table>Id column unless
// the query already returns one.
func (l *Loader) Load(ctx context.Context, queries []config.Query, filters map[string]any, types TypeResolver, set *table.Set) (Stats, error) {
	var stats Stats
	if l.db == nil {
		return stats, bandaerrors.NewError(bandaerrors.CodeQueryFailed, "no database configured", nil)
	}

	for _, q := range queries {
		n, failures, err := l.run(ctx, q, Bind(q.Params, filters), types, set)
		if err != nil {
			return stats, bandaerrors.NewError(bandaerrors.CodeQueryFailed,
				fmt.Sprintf("query for table %s", q.Table), err)
		}
		stats.Queries++
		stats.Rows += n
		stats.CoercionFailures += failures

		l.logger.Debug("query loaded",
			zap.String("table", q.Table),
			zap.Int("rows", n))
	}
	return stats, nil
}

func (l *Loader) run(ctx context.Context, q config.Query, args []any, types TypeResolver, set *table.Set) (int, int, error) {
	rows, err := l.db.Query(ctx, q.SQL, args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	tbl, _ := set.Ensure(q.Table)
	idColumn := table.KeyColumn(q.Table)
	ownID := !containsFold(names, idColumn)

	var count, failures int
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return count, failures, err
		}
		for i := range values {
			values[i] = normalize(values[i])
		}

		// Columns are declared lazily so the first row can type undeclared ones.
		for i, name := range names {
			if tbl.HasColumn(name) {
				continue
			}
			typ, ok := declared(types, q.Table, name)
			if !ok {
				typ = coerce.InferType(values[i])
			}
			tbl.AddColumn(name, typ)
		}
		if ownID {
			tbl.AddColumn(idColumn, table.TypeInt)
		}

		row := tbl.NewRow()
		for i, name := range names {
			col, _ := tbl.Column(name)
			res := coerce.FromValue(values[i], col.Type)
			if !res.OK {
				failures++
			}
			row.Set(name, res.Value)
		}
		if ownID {
			row.Set(idColumn, l.ids.Next(q.Table))
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, failures, err
	}

	// Keep the columns of an empty result so the template can still bind to them.
	for _, name := range names {
		if !tbl.HasColumn(name) {
			typ, _ := declared(types, q.Table, name)
			tbl.AddColumn(name, typ)
		}
	}
	if ownID {
		tbl.AddColumn(idColumn, table.TypeInt)
	}
	return count, failures, nil
}

func declared(types TypeResolver, tableName, column string) (table.ColumnType, bool) {
	if types == nil {
		return table.TypeString, false
	}
	typ, ok := types.ColumnType(tableName, column)
	if !ok {
		return table.TypeString, false
	}
	return typ, true
}

// normalize maps pgx driver values that have no natural column type onto plain values.
func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(raw)
	}
	return v
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
