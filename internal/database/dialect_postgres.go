package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"desdbi/internal/config"
)

const pgInsufficientPrivilege = "42501"

// PostgresConn is the open-source backend, reached through lib/pq.
type PostgresConn struct {
	remoteConn
}

// OpenPostgres connects to the database described by cfg.
func OpenPostgres(ctx context.Context, cfg config.ConnectionConfig) (*PostgresConn, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newPostgresConn(ctx, db)
}

func newPostgresConn(ctx context.Context, db *sql.DB) (*PostgresConn, error) {
	rc, err := newRemoteConn(ctx, DialectPostgres, db)
	if err != nil {
		return nil, err
	}
	return &PostgresConn{remoteConn: rc}, nil
}

// postgresDSN builds a key=value connection string; extra config entries
// such as sslmode are passed through.
func postgresDSN(cfg config.ConnectionConfig) string {
	kv := map[string]string{
		"host":     cfg.Host,
		"dbname":   cfg.DatabaseIdentifier(),
		"user":     cfg.User,
		"password": cfg.Password,
	}
	if cfg.Port != 0 {
		kv["port"] = fmt.Sprint(cfg.Port)
	}
	for k, v := range cfg.Extra() {
		kv[k] = v
	}

	keys := make([]string, 0, len(kv))
	for k, v := range kv {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + pqQuote(kv[k])
	}
	return strings.Join(parts, " ")
}

func pqQuote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Cursor returns a new cursor on the pinned session.
func (c *PostgresConn) Cursor() *Cursor { return newCursor(c) }

func (c *PostgresConn) prepare(_ context.Context, stmt string) (*statement, error) {
	if c.closed {
		return nil, ErrClosed
	}
	text, names := rewritePyformatToNumbered(stmt)
	return &statement{text: text, names: names}, nil
}

// Ping reports whether the server still answers a trivial query.
func (c *PostgresConn) Ping(ctx context.Context) bool {
	return c.ping(ctx, "SELECT 1")
}

// NamedBindString returns the pyformat placeholder for name; it is
// rewritten to a numbered $N parameter before execution.
func (c *PostgresConn) NamedBindString(name string) string { return "%(" + name + ")s" }

// PositionalBindString returns %s regardless of position.
func (c *PostgresConn) PositionalBindString(int) string { return "%s" }

// RegexFormat returns a ~ or ~* match. CaseDefault matches case-sensitively.
func (c *PostgresConn) RegexFormat(_ context.Context, cs CaseSensitivity) (string, error) {
	switch cs {
	case CaseSensitive, CaseDefault:
		return "(%[1]s ~ %[2]s)", nil
	case CaseInsensitive:
		return "(%[1]s ~* %[2]s)", nil
	}
	return "", &UnknownCaseSensitivityError{Value: cs}
}

// SequenceNextExpression returns a nextval call for the sequence.
func (c *PostgresConn) SequenceNextExpression(_ context.Context, name string) (string, error) {
	return fmt.Sprintf("nextval('%s')", name), nil
}

// ExprEvalFormat selects expressions without a table.
func (c *PostgresConn) ExprEvalFormat() string { return "SELECT %s" }

// TableDrop drops table if it exists.
func (c *PostgresConn) TableDrop(ctx context.Context, table string) error {
	return c.drop(ctx, "TABLE "+table)
}

// SequenceDrop drops the sequence if it exists.
func (c *PostgresConn) SequenceDrop(ctx context.Context, name string) error {
	return c.drop(ctx, "SEQUENCE "+name)
}

// drop runs DROP ... IF EXISTS inside a uniquely named savepoint so that a
// failure does not abort the enclosing transaction. Lacking the privilege
// to drop is not an error.
func (c *PostgresConn) drop(ctx context.Context, object string) error {
	if c.closed {
		return ErrClosed
	}
	stmt := "DROP " + strings.Replace(object, " ", " IF EXISTS ", 1)
	if c.sess.autocommit {
		if _, err := c.sess.exec(ctx, stmt); err != nil && !isInsufficientPrivilege(err) {
			return fmt.Errorf("failed to drop %s: %w", strings.ToLower(object), err)
		}
		return nil
	}

	svp := pq.QuoteIdentifier("svp_drop_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	if _, err := c.sess.exec(ctx, "SAVEPOINT "+svp); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	_, err := c.sess.exec(ctx, stmt)
	if err != nil {
		if _, rbErr := c.sess.exec(ctx, "ROLLBACK TO SAVEPOINT "+svp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
	}
	if _, relErr := c.sess.exec(ctx, "RELEASE SAVEPOINT "+svp); relErr != nil && err == nil {
		err = relErr
	}
	if err != nil && !isInsufficientPrivilege(err) {
		return fmt.Errorf("failed to drop %s: %w", strings.ToLower(object), err)
	}
	return nil
}

func isInsufficientPrivilege(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgInsufficientPrivilege
}

// CurrentTimestamp returns the server clock expression.
func (c *PostgresConn) CurrentTimestamp() string { return "now()" }

// FromDual is empty; Postgres needs no dummy table.
func (c *PostgresConn) FromDual() string { return "" }

// ColumnTypes maps lower-cased column names of table to their type tags.
func (c *PostgresConn) ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	return c.columnTypes(ctx, table)
}

// CallProc runs CALL. Procedures report INOUT parameters as a result row;
// its values are copied into the *Slot arguments in order.
func (c *PostgresConn) CallProc(ctx context.Context, name string, args ...any) error {
	if c.closed {
		return ErrClosed
	}
	binds := make([]string, len(args))
	argv := make([]any, len(args))
	var slots []*Slot
	for i, a := range args {
		binds[i] = fmt.Sprintf("$%d", i+1)
		if slot, ok := a.(*Slot); ok {
			slots = append(slots, slot)
			if slot.Valid {
				argv[i] = slot.Value
			}
			continue
		}
		argv[i] = a
	}

	rs, err := c.sess.query(ctx, fmt.Sprintf("CALL %s(%s)", name, strings.Join(binds, ", ")), argv...)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}
	return fillSlots(slots, rs)
}

func fillSlots(slots []*Slot, rs *resultSet) error {
	if len(slots) == 0 || len(rs.rows) == 0 {
		return nil
	}
	row := rs.rows[0]
	for i, slot := range slots {
		if i >= len(row) {
			break
		}
		if row[i] == nil {
			*slot = Slot{}
			continue
		}
		n, err := toInt64(row[i])
		if err != nil {
			return err
		}
		*slot = Slot{Value: n, Valid: true}
	}
	return nil
}
