package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// execQuerier is satisfied by *sql.Conn and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// session is one pinned physical connection with a lazily started
// transaction. Every cursor of a connection shares it, as do all handles on
// an embedded engine, so statements are serialized by mu.
type session struct {
	mu         sync.Mutex
	conn       *sql.Conn
	tx         *sql.Tx
	autocommit bool

	// beforeCommit runs inside the transaction just before it commits.
	beforeCommit func(ctx context.Context, ex execQuerier) error
}

func newSession(conn *sql.Conn) *session {
	return &session{conn: conn}
}

func (s *session) executor(ctx context.Context) (execQuerier, error) {
	if s.conn == nil {
		return nil, ErrClosed
	}
	if s.autocommit {
		return s.conn, nil
	}
	if s.tx == nil {
		// The transaction outlives the call that happens to start it.
		tx, err := s.conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return ex.ExecContext(ctx, query, args...)
}

func (s *session) query(ctx context.Context, query string, args ...any) (*resultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return readRows(rows)
}

// run executes query as a query when it returns rows, else as a statement.
func (s *session) run(ctx context.Context, query string, args ...any) (*resultSet, error) {
	if returnsRows(query) {
		return s.query(ctx, query, args...)
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = -1
	}
	return &resultSet{affected: n}, nil
}

func (s *session) commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx)
}

func (s *session) commitLocked(ctx context.Context) error {
	if s.conn == nil {
		return ErrClosed
	}
	if s.beforeCommit != nil {
		ex, err := s.executor(ctx)
		if err != nil {
			return err
		}
		if err := s.beforeCommit(ctx, ex); err != nil {
			return err
		}
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *session) rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

func (s *session) rollbackLocked() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (s *session) setAutocommit(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if on && !s.autocommit && s.tx != nil {
		if err := s.commitLocked(ctx); err != nil {
			return err
		}
	}
	s.autocommit = on
	return nil
}

func (s *session) alive() bool {
	return s != nil && s.conn != nil
}

// close rolls back any open transaction and returns the connection to the
// pool.
func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	rbErr := s.rollbackLocked()
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return rbErr
}

var rowKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "PRAGMA": true, "VALUES": true,
	"EXPLAIN": true, "SHOW": true, "DESCRIBE": true,
}

func returnsRows(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z'))
	})
	if end >= 0 {
		q = q[:end]
	}
	return rowKeywords[strings.ToUpper(q)]
}

// resultSet is a fully read result.
type resultSet struct {
	columns  []ColumnDescription
	rows     [][]any
	affected int64
}

func readRows(rows *sql.Rows) (*resultSet, error) {
	defer rows.Close()

	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	rs := &resultSet{columns: describeColumns(cts)}

	for rows.Next() {
		vals := make([]any, len(cts))
		ptrs := make([]any, len(cts))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && rs.columns[i].Type != TypeBytes {
				vals[i] = string(b)
			}
		}
		rs.rows = append(rs.rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rs.affected = int64(len(rs.rows))
	return rs, nil
}

func describeColumns(cts []*sql.ColumnType) []ColumnDescription {
	out := make([]ColumnDescription, len(cts))
	for i, ct := range cts {
		d := ColumnDescription{
			Name:         ct.Name(),
			DatabaseType: ct.DatabaseTypeName(),
			Type:         typeTagFor(ct.DatabaseTypeName()),
		}
		if n, ok := ct.Length(); ok {
			d.Size = n
		}
		if p, s, ok := ct.DecimalSize(); ok {
			d.Precision, d.Scale = p, s
		}
		if n, ok := ct.Nullable(); ok {
			d.Nullable = n
		}
		out[i] = d
	}
	return out
}
