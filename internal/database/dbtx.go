package database

import (
	"context"
	"errors"
)

// Borrow returns a DB sharing parent's connection without owning it:
// closing the borrowed DB leaves the connection open.
func Borrow(parent *DB) *DB {
	return &DB{
		cfg:   parent.cfg,
		conn:  parent.conn,
		owner: false,
		retry: parent.retry,
		state: parent.state,
		opts:  parent.opts,
		log:   parent.log,
	}
}

// Owner reports whether closing db closes the connection.
func (db *DB) Owner() bool { return db.owner }

// WithScope runs fn, then commits if it succeeded or rolls back if it
// returned an error or panicked. The connection is closed afterwards when
// db owns it.
func (db *DB) WithScope(ctx context.Context, fn func(*DB) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = db.Rollback(ctx)
			_ = db.Close()
			panic(r)
		}
	}()

	if err = fn(db); err != nil {
		if rbErr := db.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
	} else {
		err = db.Commit(ctx)
	}
	if cerr := db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
