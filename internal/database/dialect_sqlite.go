package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// SQLiteOptions tune an embedded connection.
type SQLiteOptions struct {
	// SemaphoreFailFast makes SEM_WAIT fail rather than wait.
	SemaphoreFailFast bool
	// SemaphorePoll overrides DefaultSemaphorePoll.
	SemaphorePoll time.Duration
	Logger        log.FieldLogger
}

// SQLiteConn is a handle on a SharedEngine that accepts the Oracle idioms
// the production schema is queried with. Every statement passes through the
// Rewriter; sequences and stored procedures are emulated.
type SQLiteConn struct {
	engine *SharedEngine
	gen    int
	sess   *session
	closed bool

	rewriter   *Rewriter
	sequences  *SequenceEmulator
	procedures *ProcedureEmulator

	// Set by a sequence increment; the next ExprEvalFormat is bare.
	bareExpr bool

	log log.FieldLogger
}

// NewSQLiteConn acquires a handle on engine.
func NewSQLiteConn(ctx context.Context, engine *SharedEngine, opts SQLiteOptions) (*SQLiteConn, error) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	sess, gen, err := engine.acquire(ctx)
	if err != nil {
		return nil, err
	}

	c := &SQLiteConn{engine: engine, gen: gen, sess: sess, log: opts.Logger}
	c.rewriter = NewRewriter(c.execRewritten)
	c.sequences = newSequenceEmulator(sess, func() { c.bareExpr = true })
	c.procedures = newProcedureEmulator(sess, opts.Logger)
	c.procedures.FailFast = opts.SemaphoreFailFast
	if opts.SemaphorePoll > 0 {
		c.procedures.PollInterval = opts.SemaphorePoll
	}
	return c, nil
}

func (c *SQLiteConn) Dialect() Dialect { return DialectSQLite }

// Cursor returns a cursor whose statements pass through the Rewriter.
func (c *SQLiteConn) Cursor() *Cursor { return newCursor(c) }

func (c *SQLiteConn) session() *session { return c.sess }

// Sequences exposes the sequence emulator.
func (c *SQLiteConn) Sequences() *SequenceEmulator { return c.sequences }

// Procedures exposes the stored procedure emulator.
func (c *SQLiteConn) Procedures() *ProcedureEmulator { return c.procedures }

func (c *SQLiteConn) prepare(ctx context.Context, stmt string) (*statement, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if isCommit(stmt) {
		// A COMMIT sent as SQL must also clear the temp tables.
		if err := c.Commit(ctx); err != nil {
			return nil, err
		}
		return &statement{skip: true}, nil
	}
	text, err := c.rewriter.Rewrite(ctx, stmt)
	if err != nil {
		c.log.WithError(err).Debug("statement rewrite failed")
		return nil, err
	}
	return &statement{text: text}, nil
}

// execRewritten runs a statement produced by a rewrite rule, itself
// rewritten, in the current transaction.
func (c *SQLiteConn) execRewritten(ctx context.Context, stmt string) error {
	text, err := c.rewriter.Rewrite(ctx, stmt)
	if err != nil {
		return err
	}
	_, err = c.sess.exec(ctx, text)
	return err
}

// adaptArgs stores times as epoch seconds and evaluates bind values that
// hold a date construction call.
func (c *SQLiteConn) adaptArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if na, ok := a.(sql.NamedArg); ok {
			out[i] = sql.Named(na.Name, adaptSQLiteValue(na.Value))
			continue
		}
		out[i] = adaptSQLiteValue(a)
	}
	return out
}

func adaptSQLiteValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Unix()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Unix()
	case string:
		if conv, ok := convertDateArg(t); ok {
			return conv
		}
	}
	return v
}

// Commit commits and empties the temporary tables.
func (c *SQLiteConn) Commit(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.commit(ctx)
}

func (c *SQLiteConn) Rollback(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.rollback()
}

// Close releases the handle; the last handle tears the engine down.
func (c *SQLiteConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.engine.release(c.gen)
}

// Ping reports whether the handle is open and the engine is alive.
func (c *SQLiteConn) Ping(context.Context) bool {
	return !c.closed && c.sess.alive()
}

func (c *SQLiteConn) Autocommit() bool { return c.sess.autocommit }

func (c *SQLiteConn) SetAutocommit(ctx context.Context, on bool) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.setAutocommit(ctx, on)
}

func (c *SQLiteConn) NamedBindString(name string) string { return ":" + name }

func (c *SQLiteConn) PositionalBindString(int) string { return "?" }

// RegexFormat switches the engine's case mode, which REGEXP and LIKE share.
// CaseDefault keeps whatever mode is in effect.
func (c *SQLiteConn) RegexFormat(ctx context.Context, cs CaseSensitivity) (string, error) {
	if err := validCaseSensitivity(cs); err != nil {
		return "", err
	}
	if cs == CaseDefault {
		return "%[1]s REGEXP %[2]s", nil
	}
	if err := c.engine.setCaseInsensitive(ctx, c.sess, cs == CaseInsensitive); err != nil {
		return "", fmt.Errorf("failed to set case sensitivity: %w", err)
	}
	return "%[1]s REGEXP %[2]s", nil
}

// SequenceNextExpression increments the emulated sequence and returns
// the statement that reads its value.
func (c *SQLiteConn) SequenceNextExpression(ctx context.Context, name string) (string, error) {
	if c.closed {
		return "", ErrClosed
	}
	return c.sequences.Next(ctx, name)
}

// ExprEvalFormat selects from DUMMY, except right after a sequence
// increment when the expression already is a full statement.
func (c *SQLiteConn) ExprEvalFormat() string {
	if c.bareExpr {
		c.bareExpr = false
		return "%s"
	}
	return "SELECT %s FROM DUMMY"
}

// TableDrop drops table; a missing table is not an error.
func (c *SQLiteConn) TableDrop(ctx context.Context, table string) error {
	if c.closed {
		return ErrClosed
	}
	if _, err := c.sess.exec(ctx, "DROP TABLE "+table); err != nil && !isNoSuchObject(err) {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

func (c *SQLiteConn) SequenceDrop(ctx context.Context, name string) error {
	if c.closed {
		return ErrClosed
	}
	return c.sequences.Drop(ctx, name)
}

// CurrentTimestamp is an epoch literal, matching how times are stored.
func (c *SQLiteConn) CurrentTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func (c *SQLiteConn) FromDual() string { return "" }

// ColumnTypes reads the declared column types of table.
func (c *SQLiteConn) ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	if c.closed {
		return nil, ErrClosed
	}
	rs, err := c.sess.query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	out := make(map[string]TypeTag, len(rs.rows))
	for _, row := range rs.rows {
		name := strings.ToLower(fmt.Sprint(textValue(row[1])))
		out[name] = typeTagFor(fmt.Sprint(textValue(row[2])))
	}
	return out, nil
}

// CallProc runs an emulated stored procedure.
func (c *SQLiteConn) CallProc(ctx context.Context, name string, args ...any) error {
	if c.closed {
		return ErrClosed
	}
	return c.procedures.Call(ctx, name, args...)
}

func isCommit(stmt string) bool {
	s := strings.ToUpper(strings.TrimSpace(stmt))
	return s == "COMMIT" || strings.HasPrefix(s, "COMMIT;") || strings.HasPrefix(s, "COMMIT ")
}
