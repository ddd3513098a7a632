package database

import (
	"context"
	"fmt"

	"desdbi/internal/metrics"
)

// Cursor executes statements on a connection's session and holds the most
// recent result. Results are read fully at execution time.
type Cursor struct {
	b        backend
	prepared *statement
	desc     []ColumnDescription
	rows     [][]any
	pos      int
	rowCount int64
	closed   bool
}

func newCursor(b backend) *Cursor {
	return &Cursor{b: b, rowCount: -1}
}

// Execute prepares and runs stmt with args. Named arguments are passed as
// sql.Named values.
func (c *Cursor) Execute(ctx context.Context, stmt string, args ...any) error {
	st, err := c.prepare(ctx, stmt)
	if err != nil {
		return err
	}
	return c.run(ctx, st, args)
}

// ExecuteMany prepares stmt once and runs it for each argument row.
func (c *Cursor) ExecuteMany(ctx context.Context, stmt string, rows [][]any) error {
	st, err := c.prepare(ctx, stmt)
	if err != nil {
		return err
	}
	var total int64
	for i, args := range rows {
		if err := c.run(ctx, st, args); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		total += c.rowCount
	}
	c.rowCount = total
	return nil
}

// Prepare readies stmt for repeated ExecutePrepared calls.
func (c *Cursor) Prepare(ctx context.Context, stmt string) error {
	st, err := c.prepare(ctx, stmt)
	if err != nil {
		return err
	}
	c.prepared = st
	return nil
}

// ExecutePrepared runs the statement given to the last Prepare.
func (c *Cursor) ExecutePrepared(ctx context.Context, args ...any) error {
	if c.prepared == nil {
		return &ArgumentError{Op: "execute", Msg: "no statement prepared"}
	}
	return c.run(ctx, c.prepared, args)
}

func (c *Cursor) prepare(ctx context.Context, stmt string) (*statement, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.b.prepare(ctx, stmt)
}

func (c *Cursor) run(ctx context.Context, st *statement, args []any) error {
	if c.closed {
		return ErrClosed
	}
	c.desc, c.rows, c.pos, c.rowCount = nil, nil, 0, -1
	if st.skip {
		return nil
	}

	argv, err := st.bind(c.b.adaptArgs(args))
	if err != nil {
		return err
	}
	rs, err := c.b.session().run(ctx, st.text, argv...)
	if err != nil {
		metrics.StatementsTotal.WithLabelValues(string(c.b.Dialect()), metrics.Fail).Inc()
		return err
	}
	metrics.StatementsTotal.WithLabelValues(string(c.b.Dialect()), metrics.Ok).Inc()

	c.desc, c.rows, c.rowCount = rs.columns, rs.rows, rs.affected
	return nil
}

// Description returns the columns of the last query, or nil after a
// statement that returned no rows.
func (c *Cursor) Description() []ColumnDescription { return c.desc }

// Columns returns the column names of the last query.
func (c *Cursor) Columns() []string {
	out := make([]string, len(c.desc))
	for i, d := range c.desc {
		out[i] = d.Name
	}
	return out
}

// RowCount returns rows affected by the last statement, or rows returned by
// the last query. It is -1 before any execution.
func (c *Cursor) RowCount() int64 { return c.rowCount }

// FetchOne returns the next row, or false when none remain.
func (c *Cursor) FetchOne() ([]any, bool) {
	if c.pos >= len(c.rows) {
		return nil, false
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true
}

// FetchAll returns every remaining row.
func (c *Cursor) FetchAll() [][]any {
	if c.pos >= len(c.rows) {
		return nil
	}
	rows := c.rows[c.pos:]
	c.pos = len(c.rows)
	return rows
}

// Close discards the result. The connection stays open.
func (c *Cursor) Close() error {
	c.closed = true
	c.desc, c.rows, c.prepared = nil, nil, nil
	return nil
}
