package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	go_ora "github.com/sijms/go-ora/v2"
	"github.com/sijms/go-ora/v2/network"

	"desdbi/internal/config"
)

// Oracle error codes for objects that do not exist.
const (
	oraTableNotFound    = 942
	oraSequenceNotFound = 2289
)

// OracleConn is the commercial backend, reached through go-ora.
type OracleConn struct {
	remoteConn
}

// OpenOracle connects to the database described by cfg.
func OpenOracle(ctx context.Context, cfg config.ConnectionConfig) (*OracleConn, error) {
	db, err := sql.Open("oracle", oracleDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newOracleConn(ctx, db)
}

func newOracleConn(ctx context.Context, db *sql.DB) (*OracleConn, error) {
	rc, err := newRemoteConn(ctx, DialectOracle, db)
	if err != nil {
		return nil, err
	}
	return &OracleConn{remoteConn: rc}, nil
}

// oracleDSN builds a connect descriptor addressing the database by SID or
// service name.
func oracleDSN(cfg config.ConnectionConfig) string {
	connectData := "(SERVICE_NAME=" + cfg.Name + ")"
	if cfg.SID != "" {
		connectData = "(SID=" + cfg.SID + ")"
	}
	if cfg.Service != "" {
		connectData += "(SERVER=" + cfg.Service + ")"
	}
	descriptor := fmt.Sprintf("(DESCRIPTION=(ADDRESS=(PROTOCOL=TCP)(HOST=%s)(PORT=%d))(CONNECT_DATA=%s))",
		cfg.Host, cfg.Port, connectData)
	return go_ora.BuildJDBC(cfg.User, cfg.Password, descriptor, cfg.Extra())
}

// Cursor returns a new cursor on the pinned session.
func (c *OracleConn) Cursor() *Cursor { return newCursor(c) }

func (c *OracleConn) prepare(_ context.Context, stmt string) (*statement, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return &statement{text: stmt}, nil
}

// Ping reports whether the server still answers a query on DUAL.
func (c *OracleConn) Ping(ctx context.Context) bool {
	return c.ping(ctx, "SELECT 1 FROM DUAL")
}

// NamedBindString returns :name.
func (c *OracleConn) NamedBindString(name string) string { return ":" + name }

// PositionalBindString returns :pos.
func (c *OracleConn) PositionalBindString(pos int) string { return ":" + strconv.Itoa(pos) }

// RegexFormat returns a REGEXP_LIKE call. CaseDefault omits the match
// parameter so the session setting applies.
func (c *OracleConn) RegexFormat(_ context.Context, cs CaseSensitivity) (string, error) {
	switch cs {
	case CaseSensitive:
		return "REGEXP_LIKE(%[1]s, %[2]s, 'c')", nil
	case CaseInsensitive:
		return "REGEXP_LIKE(%[1]s, %[2]s, 'i')", nil
	case CaseDefault:
		return "REGEXP_LIKE(%[1]s, %[2]s)", nil
	}
	return "", &UnknownCaseSensitivityError{Value: cs}
}

// SequenceNextExpression returns name.NEXTVAL.
func (c *OracleConn) SequenceNextExpression(_ context.Context, name string) (string, error) {
	return name + ".NEXTVAL", nil
}

// ExprEvalFormat selects expressions from DUAL.
func (c *OracleConn) ExprEvalFormat() string { return "SELECT %s FROM DUAL" }

// TableDrop drops table; ORA-00942 is not an error.
func (c *OracleConn) TableDrop(ctx context.Context, table string) error {
	return c.drop(ctx, "TABLE "+table, oraTableNotFound)
}

// SequenceDrop drops the sequence; ORA-02289 is not an error.
func (c *OracleConn) SequenceDrop(ctx context.Context, name string) error {
	return c.drop(ctx, "SEQUENCE "+name, oraSequenceNotFound)
}

func (c *OracleConn) drop(ctx context.Context, object string, notFound int) error {
	if c.closed {
		return ErrClosed
	}
	if _, err := c.sess.exec(ctx, "DROP "+object); err != nil && !isOracleCode(err, notFound) {
		return fmt.Errorf("failed to drop %s: %w", strings.ToLower(object), err)
	}
	return nil
}

func isOracleCode(err error, code int) bool {
	var oerr *network.OracleError
	if errors.As(err, &oerr) {
		return oerr.ErrCode == code
	}
	return strings.Contains(err.Error(), fmt.Sprintf("ORA-%05d", code))
}

// CurrentTimestamp returns SYSTIMESTAMP.
func (c *OracleConn) CurrentTimestamp() string { return "SYSTIMESTAMP" }

// FromDual returns the clause a table-less select needs.
func (c *OracleConn) FromDual() string { return "FROM DUAL" }

// ColumnTypes maps lower-cased column names of table to their type tags.
func (c *OracleConn) ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	return c.columnTypes(ctx, table)
}

// CallProc runs an anonymous block; *Slot arguments are bound as out
// parameters and filled in afterwards.
func (c *OracleConn) CallProc(ctx context.Context, name string, args ...any) error {
	if c.closed {
		return ErrClosed
	}
	binds := make([]string, len(args))
	for i := range args {
		binds[i] = c.PositionalBindString(i + 1)
	}
	argv, finish := outParams(args)
	stmt := fmt.Sprintf("BEGIN %s(%s); END;", name, strings.Join(binds, ", "))
	if _, err := c.sess.exec(ctx, stmt, argv...); err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}
	finish()
	return nil
}

// outParams replaces *Slot arguments with sql.Out binds; finish copies the
// returned values back.
func outParams(args []any) ([]any, func()) {
	argv := make([]any, len(args))
	var copies []func()
	for i, a := range args {
		slot, ok := a.(*Slot)
		if !ok {
			argv[i] = a
			continue
		}
		v := &sql.NullInt64{Int64: slot.Value, Valid: slot.Valid}
		argv[i] = sql.Out{Dest: v, In: true}
		copies = append(copies, func() { *slot = Slot{Value: v.Int64, Valid: v.Valid} })
	}
	return argv, func() {
		for _, f := range copies {
			f()
		}
	}
}
