// Package derive adds computed columns to materialized tables. Each derived column is a
// JavaScript expression evaluated once per row with the row's values bound to `row`.
package derive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/coerce"
	"github.com/wehubfusion/Banda/pkg/config"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/table"
)

// DefaultTimeout bounds the evaluation of all derived columns of one document.
const DefaultTimeout = 2 * time.Second

// Column is a compiled derived column.
type Column struct {
	Table      string
	Name       string
	Type       table.ColumnType
	Expression string
	program    *goja.Program
}

// Compile parses the expressions of derived column definitions.
func Compile(defs []config.DerivedColumn) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	for i, d := range defs {
		typ, err := table.ParseColumnType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("derived column %d: %w", i, err)
		}
		program, err := goja.Compile(d.Table+"."+d.Column, "(function (row) { return ("+d.Expression+"); })", true)
		if err != nil {
			return nil, fmt.Errorf("derived column %s.%s: %w", d.Table, d.Column, err)
		}
		cols = append(cols, Column{
			Table:      d.Table,
			Name:       d.Column,
			Type:       typ,
			Expression: d.Expression,
			program:    program,
		})
	}
	return cols, nil
}

// Stats summarizes one evaluation.
type Stats struct {
	Evaluated int
	Failed    int
}

// Evaluator runs compiled columns over a table set.
type Evaluator struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewEvaluator creates an Evaluator. A non-positive timeout uses DefaultTimeout.
func NewEvaluator(timeout time.Duration, logger *zap.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{timeout: timeout, logger: logger}
}

// Apply adds every column to its table and fills it row by row. Columns whose table is
// absent are skipped. An expression that throws leaves that cell at its default. The
// whole evaluation is aborted when ctx ends or the timeout elapses.
func (e *Evaluator) Apply(ctx context.Context, cols []Column, set *table.Set) (Stats, error) {
	var stats Stats
	if len(cols) == 0 {
		return stats, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()
	var interrupted atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			vm.Interrupt("derived column evaluation interrupted")
		case <-done:
		}
	}()

	fns, err := bind(vm, cols)
	if err != nil {
		return stats, err
	}

	for i, col := range cols {
		tbl, ok := set.Get(col.Table)
		if !ok {
			e.logger.Debug("derived column skipped, table not present",
				zap.String("table", col.Table),
				zap.String("column", col.Name))
			continue
		}
		tbl.AddColumn(col.Name, col.Type)

		for _, row := range tbl.Rows() {
			value, err := fns[i](goja.Undefined(), vm.ToValue(row.Map()))
			if err != nil {
				var interruptedErr *goja.InterruptedError
				if interrupted.Load() || errors.As(err, &interruptedErr) {
					return stats, bandaerrors.NewError(bandaerrors.CodeDerivedColumn,
						fmt.Sprintf("evaluating %s.%s", col.Table, col.Name), ctx.Err())
				}
				stats.Failed++
				e.logger.Debug("derived column expression failed",
					zap.String("table", col.Table),
					zap.String("column", col.Name),
					zap.Error(err))
				continue
			}

			res := coerce.FromValue(export(value), col.Type)
			if !res.OK {
				stats.Failed++
			}
			row.Set(col.Name, res.Value)
			stats.Evaluated++
		}
	}
	return stats, nil
}

// bind turns every column into a callable taking the row, then freezes the global
// object so no evaluation can leave state behind for the next row.
func bind(vm *goja.Runtime, cols []Column) ([]goja.Callable, error) {
	fns := make([]goja.Callable, len(cols))
	for i, col := range cols {
		v, err := vm.RunProgram(col.program)
		if err != nil {
			return nil, bandaerrors.NewError(bandaerrors.CodeDerivedColumn,
				fmt.Sprintf("loading %s.%s", col.Table, col.Name), err)
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, bandaerrors.NewError(bandaerrors.CodeDerivedColumn,
				fmt.Sprintf("%s.%s is not an expression", col.Table, col.Name), nil)
		}
		fns[i] = fn
	}
	if _, err := vm.RunString("Object.freeze(this)"); err != nil {
		return nil, bandaerrors.NewError(bandaerrors.CodeDerivedColumn, "sealing derived column runtime", err)
	}
	return fns, nil
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
