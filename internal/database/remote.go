package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// remoteConn holds what the network backends share: the pool, the pinned
// session and the lifecycle flag.
type remoteConn struct {
	dialect Dialect
	db      *sql.DB
	sess    *session
	closed  bool
}

// configureConnection applies pool settings; the pool never holds more
// than the pinned connection and a spare for reconnects.
func configureConnection(db *sql.DB) {
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
}

func newRemoteConn(ctx context.Context, dialect Dialect, db *sql.DB) (remoteConn, error) {
	configureConnection(db)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return remoteConn{}, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return remoteConn{}, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return remoteConn{dialect: dialect, db: db, sess: newSession(conn)}, nil
}

func (c *remoteConn) Dialect() Dialect { return c.dialect }

func (c *remoteConn) session() *session { return c.sess }

func (c *remoteConn) adaptArgs(args []any) []any { return args }

// Commit commits the open transaction, if any.
func (c *remoteConn) Commit(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.commit(ctx)
}

func (c *remoteConn) Rollback(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.rollback()
}

// Close rolls back uncommitted work and closes the pool.
func (c *remoteConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.sess.close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

func (c *remoteConn) Autocommit() bool { return c.sess.autocommit }

// SetAutocommit commits pending work when switching autocommit on.
func (c *remoteConn) SetAutocommit(ctx context.Context, on bool) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.setAutocommit(ctx, on)
}

func (c *remoteConn) ping(ctx context.Context, check string) bool {
	if c.closed || !c.sess.alive() {
		return false
	}
	_, err := c.sess.query(ctx, check)
	return err == nil
}

func (c *remoteConn) columnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	if c.closed {
		return nil, ErrClosed
	}
	rs, err := c.sess.query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 0=1", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	out := make(map[string]TypeTag, len(rs.columns))
	for _, col := range rs.columns {
		out[strings.ToLower(col.Name)] = col.Type
	}
	return out, nil
}
