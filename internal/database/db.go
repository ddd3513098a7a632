package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"desdbi/internal/config"
	"desdbi/internal/metrics"
)

const (
	// MaxConnectTries is the number of connection attempts when retrying.
	MaxConnectTries = 5
	// ConnectRetryDelay is the fixed wait between attempts.
	ConnectRetryDelay = 10 * time.Second
)

// State is the lifecycle state of a DB.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Opener opens a backend connection for cfg.
type Opener func(ctx context.Context, cfg config.ConnectionConfig) (Conn, error)

type options struct {
	logger      log.FieldLogger
	engine      *SharedEngine
	retryDelay  time.Duration
	opener      Opener
	semFailFast bool
	semPoll     time.Duration
}

// Option configures Connect.
type Option func(*options)

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option { return func(o *options) { o.logger = l } }

// WithEngine makes an embedded connection a handle on e instead of on a
// private engine.
func WithEngine(e *SharedEngine) Option { return func(o *options) { o.engine = e } }

// WithRetryDelay overrides ConnectRetryDelay.
func WithRetryDelay(d time.Duration) Option { return func(o *options) { o.retryDelay = d } }

// WithOpener replaces backend selection, for instance with a stub.
func WithOpener(fn Opener) Option { return func(o *options) { o.opener = fn } }

// WithSemaphoreFailFast makes emulated SEM_WAIT fail instead of waiting.
func WithSemaphoreFailFast(on bool) Option { return func(o *options) { o.semFailFast = on } }

// WithSemaphorePoll overrides DefaultSemaphorePoll.
func WithSemaphorePoll(d time.Duration) Option { return func(o *options) { o.semPoll = d } }

// DB is the dialect-neutral facade over one backend connection.
type DB struct {
	cfg   config.ConnectionConfig
	conn  Conn
	owner bool
	retry bool
	state State
	opts  *options
	log   log.FieldLogger
}

// Connect validates cfg and opens a connection, making up to
// MaxConnectTries attempts when retry is set.
func Connect(ctx context.Context, cfg config.ConnectionConfig, retry bool, opts ...Option) (*DB, error) {
	o := &options{
		logger:     log.StandardLogger(),
		retryDelay: ConnectRetryDelay,
		semPoll:    DefaultSemaphorePoll,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.opener == nil {
		o.opener = o.openBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &DB{
		cfg:   cfg,
		owner: true,
		retry: retry,
		opts:  o,
		log:   o.logger.WithField("dialect", cfg.Kind.String()),
	}
	if err := db.connect(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// openBackend dispatches on the engine kind resolved at config time.
func (o *options) openBackend(ctx context.Context, cfg config.ConnectionConfig) (Conn, error) {
	switch cfg.Kind {
	case config.EngineOracle:
		return OpenOracle(ctx, cfg)
	case config.EnginePostgres:
		return OpenPostgres(ctx, cfg)
	case config.EngineMySQL:
		return OpenMySQL(ctx, cfg)
	case config.EngineSQLite:
		sopts := SQLiteOptions{
			SemaphoreFailFast: o.semFailFast,
			SemaphorePoll:     o.semPoll,
			Logger:            o.logger,
		}
		if o.engine != nil {
			return NewSQLiteConn(ctx, o.engine, sopts)
		}
		// Facades on the same file share one engine, which removes the
		// file when the last of them closes.
		return acquireRegistered(ctx, EngineConfig{
			Path:      filepath.Join(cfg.HomeDir, cfg.DBFile),
			SetupDir:  filepath.Join(cfg.HomeDir, "sqlFiles"),
			Ephemeral: true,
			Logger:    o.logger,
		}, sopts)
	}
	return nil, &config.UnknownEngineKindError{Kind: cfg.Kind.String()}
}

func (db *DB) connect(ctx context.Context) error {
	maxTries := 1
	if db.retry {
		maxTries = MaxConnectTries
	}
	db.state = StateConnecting

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		conn, err := db.opts.opener(ctx, db.cfg)
		if err == nil {
			metrics.ConnectAttemptsTotal.WithLabelValues(db.cfg.Kind.String(), metrics.Ok).Inc()
			entry := db.log.WithField("attempt", attempt)
			if attempt > 1 {
				entry.Info("connected to database after retrying")
			} else {
				entry.Debug("connected to database")
			}
			db.conn, db.state = conn, StateConnected
			return nil
		}
		metrics.ConnectAttemptsTotal.WithLabelValues(db.cfg.Kind.String(), metrics.Fail).Inc()
		lastErr = err

		entry := db.log.WithFields(log.Fields{"attempt": attempt, "maxTries": maxTries, "err": err})
		if attempt == maxTries {
			entry.Error("failed to connect to database")
			break
		}
		entry.Warn("failed to connect to database, retrying")

		select {
		case <-ctx.Done():
			db.state = StateDisconnected
			return &ConnectionError{Attempts: attempt, LastErr: err.Error(), err: ctx.Err()}
		case <-time.After(db.opts.retryDelay):
		}
	}

	db.state = StateDisconnected
	host, _ := os.Hostname()
	db.log.WithFields(log.Fields{"exechost": host, "config": db.String()}).Error("aborting attempt to connect to database")
	return &ConnectionError{Attempts: maxTries, LastErr: lastErr.Error(), err: lastErr}
}

// Reconnect opens a fresh connection unless the current one still answers.
func (db *DB) Reconnect(ctx context.Context) error {
	if !db.owner {
		return &ArgumentError{Op: "reconnect", Msg: "connection is borrowed"}
	}
	if db.conn != nil && db.conn.Ping(ctx) {
		db.log.Info("connection still good, not reconnecting")
		return nil
	}
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			db.log.WithError(err).Debug("closing stale connection failed")
		}
		db.conn = nil
	}
	return db.connect(ctx)
}

// Close closes the connection if this DB owns it. Closing twice is a no-op.
func (db *DB) Close() error {
	if !db.owner || db.state == StateClosed {
		return nil
	}
	db.state = StateClosed
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn returns the backend connection.
func (db *DB) Conn() Conn { return db.conn }

// State returns the lifecycle state.
func (db *DB) State() State { return db.state }

// Config returns the connection configuration.
func (db *DB) Config() config.ConnectionConfig { return db.cfg }

func (db *DB) Dialect() Dialect { return db.conn.Dialect() }
func (db *DB) IsOracle() bool { return db.conn.Dialect() == DialectOracle }
func (db *DB) IsPostgres() bool { return db.conn.Dialect() == DialectPostgres }
func (db *DB) Cursor() *Cursor { return db.conn.Cursor() }
func (db *DB) FromDual() string { return db.conn.FromDual() }
func (db *DB) Autocommit() bool { return db.conn.Autocommit() }
func (db *DB) Ping(ctx context.Context) bool { return db.conn.Ping(ctx) }

func (db *DB) Commit(ctx context.Context) error { return db.conn.Commit(ctx) }
func (db *DB) Rollback(ctx context.Context) error { return db.conn.Rollback(ctx) }

// SetAutocommit sets the autocommit mode and returns the previous one.
func (db *DB) SetAutocommit(ctx context.Context, on bool) (bool, error) {
	prev := db.conn.Autocommit()
	return prev, db.conn.SetAutocommit(ctx, on)
}

// String describes the connection without its password.
func (db *DB) String() string {
	red := db.cfg.Redacted()
	keys := make([]string, 0, len(red))
	for k := range red {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + red[k]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// CurrentTimestamp returns the dialect's expression for the current time.
func (db *DB) CurrentTimestamp() string { return db.conn.CurrentTimestamp() }

// NamedBindString returns the placeholder for a named bind.
func (db *DB) NamedBindString(name string) string { return db.conn.NamedBindString(name) }

// PositionalBindString returns the placeholder for a positional bind.
func (db *DB) PositionalBindString(pos int) string { return db.conn.PositionalBindString(pos) }

// RegexFormat returns a format taking target as %[1]s and quoted pattern as %[2]s.
func (db *DB) RegexFormat(ctx context.Context, cs CaseSensitivity) (string, error) {
	return db.conn.RegexFormat(ctx, cs)
}

// RegexClause returns a condition testing target against pattern.
func (db *DB) RegexClause(ctx context.Context, target, pattern string, cs CaseSensitivity) (string, error) {
	format, err := db.conn.RegexFormat(ctx, cs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(format, target, Quote(pattern)), nil
}

// SequenceNextClause returns an expression yielding the next value of name.
func (db *DB) SequenceNextClause(ctx context.Context, name string) (string, error) {
	return db.conn.SequenceNextExpression(ctx, name)
}

// SequenceNextValue draws the next value of name.
func (db *DB) SequenceNextValue(ctx context.Context, name string) (int64, error) {
	expr, err := db.SequenceNextClause(ctx, name)
	if err != nil {
		return 0, err
	}
	row, err := db.ExecSQLExpression(ctx, expr)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, fmt.Errorf("sequence %s returned no value", name)
	}
	return toInt64(row[0])
}

// ExecSQLExpression evaluates the expressions and returns the single row.
// An evaluation that yields no row fails with ErrNoResult.
func (db *DB) ExecSQLExpression(ctx context.Context, exprs ...string) ([]any, error) {
	stmt := fmt.Sprintf(db.conn.ExprEvalFormat(), strings.Join(exprs, ", "))
	curs := db.Cursor()
	defer curs.Close()

	if err := curs.Execute(ctx, stmt); err != nil {
		return nil, err
	}
	row, ok := curs.FetchOne()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, stmt)
	}
	return row, nil
}

// TableDrop drops table; a missing table is not an error.
func (db *DB) TableDrop(ctx context.Context, table string) error {
	return db.conn.TableDrop(ctx, table)
}

// SequenceDrop drops a sequence; a missing sequence is not an error.
func (db *DB) SequenceDrop(ctx context.Context, name string) error {
	return db.conn.SequenceDrop(ctx, name)
}

// CallProc calls a stored procedure.
func (db *DB) CallProc(ctx context.Context, name string, args ...any) error {
	return db.conn.CallProc(ctx, name, args...)
}

// ColumnTypes maps the lower-cased columns of table to their types.
func (db *DB) ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error) {
	return db.conn.ColumnTypes(ctx, table)
}

// ColumnMetadata describes each column of table, keyed by lower-cased name.
func (db *DB) ColumnMetadata(ctx context.Context, table string) (map[string]ColumnDescription, error) {
	desc, err := db.describe(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ColumnDescription, len(desc))
	for _, d := range desc {
		out[strings.ToLower(d.Name)] = d
	}
	return out, nil
}

// ColumnLengths maps the lower-cased columns of table to their sizes.
func (db *DB) ColumnLengths(ctx context.Context, table string) (map[string]int64, error) {
	desc, err := db.describe(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(desc))
	for _, d := range desc {
		out[strings.ToLower(d.Name)] = d.Size
	}
	return out, nil
}

// ColumnNames returns the lower-cased columns of table in table order.
func (db *DB) ColumnNames(ctx context.Context, table string) ([]string, error) {
	desc, err := db.describe(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(desc))
	for i, d := range desc {
		out[i] = strings.ToLower(d.Name)
	}
	return out, nil
}

func (db *DB) describe(ctx context.Context, table string) ([]ColumnDescription, error) {
	curs := db.Cursor()
	defer curs.Close()

	if err := curs.Execute(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 0=1", table)); err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	return curs.Description(), nil
}

// Quote returns v as a single-quoted SQL literal.
func Quote(v any) string {
	return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", "''") + "'"
}

// InsertMany inserts rows into table in one prepared batch. rows is either
// [][]any, each in column order, or []map[string]any, each keyed by exactly
// the given columns. An empty rows inserts nothing.
func (db *DB) InsertMany(ctx context.Context, table string, columns []string, rows any) error {
	stmt, argRows, err := db.buildInsert("insert many", table, columns, rows)
	if err != nil || len(argRows) == 0 {
		return err
	}
	curs := db.Cursor()
	defer curs.Close()

	if err := curs.ExecuteMany(ctx, stmt, argRows); err != nil {
		return &StatementError{Statement: stmt, Params: len(argRows), Err: err}
	}
	return nil
}

// InsertManyIndividually inserts rows one statement at a time, reporting
// the row that failed.
func (db *DB) InsertManyIndividually(ctx context.Context, table string, columns []string, rows any) error {
	stmt, argRows, err := db.buildInsert("insert many individually", table, columns, rows)
	if err != nil || len(argRows) == 0 {
		return err
	}
	curs := db.Cursor()
	defer curs.Close()

	if err := curs.Prepare(ctx, stmt); err != nil {
		return err
	}
	for _, args := range argRows {
		if err := curs.ExecutePrepared(ctx, args...); err != nil {
			db.log.WithFields(log.Fields{"sql": stmt, "params": args, "err": err}).Error("insert failed")
			return &StatementError{Statement: stmt, Params: args, Err: err}
		}
	}
	return nil
}

func (db *DB) buildInsert(op, table string, columns []string, rows any) (string, [][]any, error) {
	if len(columns) == 0 {
		return "", nil, &ArgumentError{Op: op, Msg: "no columns given"}
	}
	var (
		binds   = make([]string, len(columns))
		argRows [][]any
	)

	switch rs := rows.(type) {
	case nil:
		return "", nil, nil
	case [][]any:
		for i := range columns {
			binds[i] = db.conn.PositionalBindString(i + 1)
		}
		for i, row := range rs {
			if len(row) != len(columns) {
				return "", nil, &ArgumentError{Op: op,
					Msg: fmt.Sprintf("row %d has %d values for %d columns", i, len(row), len(columns))}
			}
			argRows = append(argRows, row)
		}
	case []map[string]any:
		for i, col := range columns {
			binds[i] = db.conn.NamedBindString(col)
		}
		for i, row := range rs {
			if !sameKeys(row, columns) {
				return "", nil, &ArgumentError{Op: op,
					Msg: fmt.Sprintf("row %d keys do not match columns %v", i, columns)}
			}
			args := make([]any, len(columns))
			for j, col := range columns {
				args[j] = sql.Named(col, row[col])
			}
			argRows = append(argRows, args)
		}
	default:
		return "", nil, &ArgumentError{Op: op, Msg: fmt.Sprintf("unsupported row type %T", rows)}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(binds, ", "))
	return stmt, argRows, nil
}

func sameKeys(row map[string]any, columns []string) bool {
	if len(row) != len(columns) {
		return false
	}
	for _, col := range columns {
		if _, ok := row[col]; !ok {
			return false
		}
	}
	return true
}

// SimpleQuery describes SELECT columns FROM from [WHERE ...] [ORDER BY ...].
// A pre-joined column list may be given as a single element.
type SimpleQuery struct {
	From    string
	Columns []string
	Where   []string
	OrderBy []string
	Params  []any
}

// SQL renders the query.
func (q SimpleQuery) SQL() (string, error) {
	if len(q.Columns) == 0 {
		return "", &ArgumentError{Op: "query simple", Msg: "no columns given"}
	}
	if q.From == "" {
		return "", &ArgumentError{Op: "query simple", Msg: "no table given"}
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(q.Columns, ", "), q.From)
	if len(q.Where) > 0 {
		stmt += " WHERE " + strings.Join(q.Where, " AND ")
	}
	if len(q.OrderBy) > 0 {
		stmt += " ORDER BY " + strings.Join(q.OrderBy, ", ")
	}
	return stmt, nil
}

// QuerySimple runs q and returns each row keyed by lower-cased column name.
func (db *DB) QuerySimple(ctx context.Context, q SimpleQuery) ([]map[string]any, error) {
	return QuerySimpleAs(ctx, db, q, func(cols []string, vals []any) (map[string]any, error) {
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		return m, nil
	})
}

// QuerySimpleAs runs q and converts each row with conv. cols are the
// lower-cased column names.
func QuerySimpleAs[T any](ctx context.Context, db *DB, q SimpleQuery, conv func(cols []string, vals []any) (T, error)) ([]T, error) {
	stmt, err := q.SQL()
	if err != nil {
		return nil, err
	}
	cols, rows, err := db.queryRows(ctx, stmt, q.Params)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := conv(cols, row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// QueryResultsDict runs stmt and keys each row by the lower-cased string
// value of column key.
func (db *DB) QueryResultsDict(ctx context.Context, stmt, key string, params ...any) (map[string]map[string]any, error) {
	cols, rows, err := db.queryRows(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	key = strings.ToLower(key)
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = row[i]
		}
		k, ok := m[key]
		if !ok {
			return nil, &ArgumentError{Op: "query results dict", Msg: fmt.Sprintf("no column %q in result", key)}
		}
		out[strings.ToLower(fmt.Sprint(k))] = m
	}
	return out, nil
}

func (db *DB) queryRows(ctx context.Context, stmt string, params []any) ([]string, [][]any, error) {
	curs := db.Cursor()
	defer curs.Close()

	if err := curs.Execute(ctx, stmt, params...); err != nil {
		return nil, nil, err
	}
	cols := curs.Columns()
	for i := range cols {
		cols[i] = strings.ToLower(cols[i])
	}
	return cols, curs.FetchAll(), nil
}

// BasicInsertRow inserts one row. A value equal to CurrentTimestamp() is
// written inline rather than bound.
func (db *DB) BasicInsertRow(ctx context.Context, table string, row map[string]any) error {
	now := db.conn.CurrentTimestamp()
	var (
		cols  = sortedKeys(row)
		vals  = make([]string, len(cols))
		binds []any
	)
	for i, col := range cols {
		if s, ok := row[col].(string); ok && s == now {
			vals[i] = now
			continue
		}
		vals[i] = db.conn.NamedBindString(col)
		binds = append(binds, sql.Named(col, row[col]))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(vals, ", "))

	curs := db.Cursor()
	defer curs.Close()
	if err := curs.Execute(ctx, stmt, binds...); err != nil {
		db.log.WithFields(log.Fields{"sql": stmt, "params": row, "err": err}).Error("insert failed")
		return &StatementError{Statement: stmt, Params: row, Err: err}
	}
	return nil
}

// BasicUpdateRow sets updateVals on the rows matching whereVals. A nil
// where value matches NULL. Updating nothing is a *ZeroRowsAffectedError.
func (db *DB) BasicUpdateRow(ctx context.Context, table string, updateVals, whereVals map[string]any) error {
	now := db.conn.CurrentTimestamp()
	var (
		where  []string
		sets   []string
		binds  []any
		params = map[string]any{}
	)
	for _, col := range sortedKeys(whereVals) {
		v := whereVals[col]
		switch s, isStr := v.(string); {
		case isStr && s == now:
			where = append(where, col+" = "+now)
		case v == nil:
			where = append(where, col+" IS NULL")
		default:
			name := "w_" + col
			where = append(where, col+" = "+db.conn.NamedBindString(name))
			binds = append(binds, sql.Named(name, v))
			params[name] = v
		}
	}
	for _, col := range sortedKeys(updateVals) {
		v := updateVals[col]
		s, isStr := v.(string)
		switch {
		case isStr && (s == now || strings.Contains(strings.ToUpper(s), "TO_DATE")):
			sets = append(sets, col+" = "+s)
		default:
			name := "u_" + col
			sets = append(sets, col+" = "+db.conn.NamedBindString(name))
			binds = append(binds, sql.Named(name, v))
			params[name] = v
		}
	}
	if len(sets) == 0 {
		return &ArgumentError{Op: "basic update row", Msg: "no values to update"}
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}

	curs := db.Cursor()
	defer curs.Close()
	if err := curs.Execute(ctx, stmt, binds...); err != nil {
		db.log.WithFields(log.Fields{"sql": stmt, "params": params, "err": err}).Error("update failed")
		return &StatementError{Statement: stmt, Params: params, Err: err}
	}
	if curs.RowCount() == 0 {
		db.log.WithFields(log.Fields{"sql": stmt, "params": params}).Error("0 rows updated")
		return &ZeroRowsAffectedError{Table: table, Statement: stmt, Params: params}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
