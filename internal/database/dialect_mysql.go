package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"desdbi/internal/config"
)

const mysqlTableAccessDenied = 1142

// MySQLConn is a MariaDB or MySQL backend, reached through
// go-sql-driver/mysql. Sequences use the MariaDB syntax.
type MySQLConn struct {
	remoteConn
}

// OpenMySQL connects to the database described by cfg.
func OpenMySQL(ctx context.Context, cfg config.ConnectionConfig) (*MySQLConn, error) {
	db, err := sql.Open("mysql", mysqlDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newMySQLConn(ctx, db)
}

func newMySQLConn(ctx context.Context, db *sql.DB) (*MySQLConn, error) {
	rc, err := newRemoteConn(ctx, DialectMySQL, db)
	if err != nil {
		return nil, err
	}
	if _, err := rc.sess.conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}
	return &MySQLConn{remoteConn: rc}, nil
}

func mysqlDSN(cfg config.ConnectionConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.DatabaseIdentifier()
	mc.ParseTime = true
	if extra := cfg.Extra(); len(extra) > 0 {
		mc.Params = extra
	}
	return mc.FormatDSN()
}

// Cursor returns a new cursor on the pinned session.
func (c *MySQLConn) Cursor() *Cursor { return newCursor(c) }

func (c *MySQLConn) prepare(_ context.Context, stmt string) (*statement, error) {
	if c.closed {
		return nil, ErrClosed
	}
	text, names := rewriteNamedToQuestion(stmt)
	return &statement{text: text, names: names}, nil
}

// Ping reports whether the server still answers a trivial query.
func (c *MySQLConn) Ping(ctx context.Context) bool {
	return c.ping(ctx, "SELECT 1")
}

// NamedBindString returns :name, which is rewritten to ? before execution.
func (c *MySQLConn) NamedBindString(name string) string { return ":" + name }

// PositionalBindString returns ? regardless of position.
func (c *MySQLConn) PositionalBindString(int) string { return "?" }

// RegexFormat returns a REGEXP_LIKE call with the match type for cs.
func (c *MySQLConn) RegexFormat(_ context.Context, cs CaseSensitivity) (string, error) {
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

// SequenceNextExpression uses MariaDB sequence syntax.
func (c *MySQLConn) SequenceNextExpression(_ context.Context, name string) (string, error) {
	return "NEXTVAL(" + name + ")", nil
}

// ExprEvalFormat selects expressions without a table.
func (c *MySQLConn) ExprEvalFormat() string { return "SELECT %s" }

// TableDrop drops table if it exists.
func (c *MySQLConn) TableDrop(ctx context.Context, table string) error {
	return c.drop(ctx, "TABLE IF EXISTS "+table)
}

// SequenceDrop drops the sequence if it exists.
func (c *MySQLConn) SequenceDrop(ctx context.Context, name string) error {
	return c.drop(ctx, "SEQUENCE IF EXISTS "+name)
}

func (c *MySQLConn) drop(ctx context.Context, object string) error {
	if c.closed {
		return ErrClosed
	}
	if _, err := c.sess.exec(ctx, "DROP "+object); err != nil {
		var merr *mysql.MySQLError
		if errors.As(err, &merr) && merr.Number == mysqlTableAccessDenied {
			return nil
		}
		return fmt.Errorf("failed to drop %s: %w", strings.ToLower(object), err)
	}
	return nil
}

// CurrentTimestamp returns the server clock with microseconds.
func (c *MySQLConn) CurrentTimestamp() string { return "CURRENT_TIMESTAMP(6)" }

// FromDual is empty.
func (c *MySQLConn) FromDual() string { return "" }

// ColumnTypes maps lower-cased column names of table to their type tags.
func (c *MySQLConn) ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	return c.columnTypes(ctx, table)
}

// CallProc runs CALL; *Slot arguments go through session variables which
// are read back afterwards.
func (c *MySQLConn) CallProc(ctx context.Context, name string, args ...any) error {
	if c.closed {
		return ErrClosed
	}
	var (
		binds []string
		argv  []any
		vars  []string
		slots []*Slot
	)
	for i, a := range args {
		slot, ok := a.(*Slot)
		if !ok {
			binds = append(binds, "?")
			argv = append(argv, a)
			continue
		}
		v := fmt.Sprintf("@desdbi_out_%d", i)
		var in any
		if slot.Valid {
			in = slot.Value
		}
		if _, err := c.sess.exec(ctx, "SET "+v+" = ?", in); err != nil {
			return fmt.Errorf("failed to bind %s: %w", v, err)
		}
		binds = append(binds, v)
		vars = append(vars, v)
		slots = append(slots, slot)
	}

	if _, err := c.sess.exec(ctx, fmt.Sprintf("CALL %s(%s)", name, strings.Join(binds, ", ")), argv...); err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}
	if len(vars) == 0 {
		return nil
	}
	rs, err := c.sess.query(ctx, "SELECT "+strings.Join(vars, ", "))
	if err != nil {
		return fmt.Errorf("failed to read out parameters of %s: %w", name, err)
	}
	return fillSlots(slots, rs)
}
