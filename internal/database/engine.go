package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"desdbi/internal/metrics"
)

const regexCacheSize = 256

// Temporary tables every embedded engine provides. They stand in for the
// global temporary tables of the production schema and are emptied on
// every commit.
var tempTables = []struct{ name, columns string }{
	{"OPM_FILENAME_GTT", "FILENAME TEXT, COMPRESSION TEXT"},
	{"GTT_FILENAME", "FILENAME TEXT, COMPRESSION TEXT"},
	{"GTT_ARTIFACT", "FILENAME TEXT, COMPRESSION TEXT, MD5SUM TEXT, FILESIZE INTEGER"},
	{"GTT_ATTEMPT", "REQNUM INTEGER, UNITNAME TEXT, ATTNUM INTEGER"},
	{"GTT_EXPNUM", "EXPNUM INTEGER, CCDNUM INTEGER, BAND TEXT"},
	{"GTT_ID", "ID INTEGER"},
	{"GTT_NUM", "NUM INTEGER"},
	{"GTT_STR", "STR TEXT"},
	{imageStagingTable, "FILENAME TEXT, FILETYPE TEXT, CROSSRA0 TEXT, PFW_ATTEMPT_ID INTEGER, BAND TEXT, " +
		"CCDNUM INTEGER, RA_CENT REAL, DEC_CENT REAL, RA_SIZE_CCD REAL, DEC_SIZE_CCD REAL"},
	{tileStagingTable, "TILENAME TEXT, RA_SIZE REAL, DEC_SIZE REAL, DEC_CENT REAL, RA_CENT REAL"},
}

var bootstrapStatements = []string{
	"PRAGMA synchronous = OFF",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"CREATE TABLE IF NOT EXISTS SEQUENCES (NAME TEXT PRIMARY KEY, SEQ_VAL INTEGER NOT NULL)",
	"CREATE TABLE IF NOT EXISTS SEMLOCK (NAME TEXT NOT NULL, SLOT INTEGER NOT NULL, IN_USE INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (NAME, SLOT))",
	"CREATE TABLE IF NOT EXISTS DUMMY (X INTEGER)",
	"INSERT INTO DUMMY (X) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM DUMMY)",
}

// EngineConfig describes the embedded database file.
type EngineConfig struct {
	// Path of the database file.
	Path string
	// SetupDir holds setup scripts run when the file is first created.
	SetupDir string
	// Ephemeral removes the file at teardown.
	Ephemeral bool
	Logger    log.FieldLogger
}

// SharedEngine is one physical embedded database shared by every
// connection handle built on it. The first acquire opens it; the release
// of the last handle tears it down. Teardown happens once per opening.
type SharedEngine struct {
	cfg EngineConfig
	// key is the registry key of an engine built from a connection config.
	key string

	mu   sync.Mutex
	refs int
	gen  int
	db   *sql.DB
	sess *session

	caseInsensitive atomic.Bool
	regexCache      *lru.Cache
}

// NewSharedEngine returns an engine that opens on first acquire.
func NewSharedEngine(cfg EngineConfig) *SharedEngine {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	cache, err := lru.New(regexCacheSize)
	if err != nil {
		panic(err) // Only errors on a non-positive size.
	}
	return &SharedEngine{cfg: cfg, regexCache: cache}
}

// engines holds the engines built from connection configs, one per file.
// Lock order is engines.mu before SharedEngine.mu.
var engines = struct {
	mu sync.Mutex
	m  map[string]*SharedEngine
}{m: make(map[string]*SharedEngine)}

func engineKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// acquireRegistered acquires a handle on the registered engine for
// cfg.Path, creating and registering the engine first when none is.
func acquireRegistered(ctx context.Context, cfg EngineConfig, opts SQLiteOptions) (*SQLiteConn, error) {
	engines.mu.Lock()
	defer engines.mu.Unlock()

	key := engineKey(cfg.Path)
	e, ok := engines.m[key]
	if !ok {
		e = NewSharedEngine(cfg)
		e.key = key
	}
	c, err := NewSQLiteConn(ctx, e, opts)
	if err != nil {
		return nil, err
	}
	engines.m[key] = e
	return c, nil
}

// lockRegistry takes the registry lock for registered engines.
func (e *SharedEngine) lockRegistry() func() {
	if e.key == "" {
		return func() {}
	}
	engines.mu.Lock()
	return engines.mu.Unlock
}

// Path returns the database file path.
func (e *SharedEngine) Path() string { return e.cfg.Path }

// Refs returns the number of live handles.
func (e *SharedEngine) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// acquire registers a handle, opening the engine if needed. The returned
// generation identifies the opening the handle belongs to.
func (e *SharedEngine) acquire(ctx context.Context) (*session, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		if err := e.openLocked(ctx); err != nil {
			return nil, 0, err
		}
	}
	e.refs++
	metrics.SharedEngineHandles.Inc()
	return e.sess, e.gen, nil
}

// release drops a handle, tearing the engine down with the last one.
// Handles from an opening that was already torn down are ignored.
func (e *SharedEngine) release(gen int) error {
	defer e.lockRegistry()()
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || e.refs == 0 {
		return nil
	}
	e.refs--
	metrics.SharedEngineHandles.Dec()
	if e.refs > 0 {
		return nil
	}
	return e.teardownLocked()
}

// Teardown closes the engine regardless of outstanding handles, which then
// fail with ErrClosed.
func (e *SharedEngine) Teardown() error {
	defer e.lockRegistry()()
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.SharedEngineHandles.Sub(float64(e.refs))
	e.refs = 0
	return e.teardownLocked()
}

func (e *SharedEngine) openLocked(ctx context.Context) error {
	_, statErr := os.Stat(e.cfg.Path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	db := sql.OpenDB(&sqliteConnector{
		drv: &sqlite3.SQLiteDriver{ConnectHook: e.registerFuncs},
		dsn: e.cfg.Path,
	})
	// Every handle shares the one pinned connection.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to open %s: %w", e.cfg.Path, err)
	}
	if err := e.bootstrap(ctx, conn, fresh); err != nil {
		conn.Close()
		db.Close()
		return err
	}

	sess := newSession(conn)
	sess.beforeCommit = clearTempTables
	e.db, e.sess = db, sess
	e.gen++
	e.caseInsensitive.Store(false)

	e.cfg.Logger.WithFields(log.Fields{"path": e.cfg.Path, "fresh": fresh}).Debug("opened embedded engine")
	return nil
}

func (e *SharedEngine) bootstrap(ctx context.Context, conn *sql.Conn, fresh bool) error {
	for _, stmt := range bootstrapStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap engine: %w", err)
		}
	}
	for _, t := range tempTables {
		stmt := fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s (%s)", t.name, t.columns)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create temp table %s: %w", t.name, err)
		}
	}
	if fresh {
		if err := runSetupScripts(ctx, conn, e.cfg.SetupDir, e.cfg.Logger); err != nil {
			return err
		}
	}
	return nil
}

func (e *SharedEngine) teardownLocked() error {
	if e.key != "" && engines.m[e.key] == e {
		delete(engines.m, e.key)
	}
	if e.sess == nil {
		return nil
	}
	var errs []error
	ctx := context.Background()
	if err := e.sess.rollback(); err != nil {
		errs = append(errs, err)
	}
	for _, t := range tempTables {
		if _, err := e.sess.conn.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+t.name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.sess.close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.db.Close(); err != nil {
		errs = append(errs, err)
	}
	e.db, e.sess = nil, nil

	if e.cfg.Ephemeral {
		if err := os.Remove(e.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	e.cfg.Logger.WithField("path", e.cfg.Path).Debug("tore down embedded engine")
	return errors.Join(errs...)
}

func clearTempTables(ctx context.Context, ex execQuerier) error {
	for _, t := range tempTables {
		if _, err := ex.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t.name, err)
		}
	}
	return nil
}

// setCaseInsensitive switches both LIKE and REGEXP comparisons.
func (e *SharedEngine) setCaseInsensitive(ctx context.Context, sess *session, on bool) error {
	pragma := "PRAGMA case_sensitive_like = true"
	if on {
		pragma = "PRAGMA case_sensitive_like = false"
	}
	if _, err := sess.exec(ctx, pragma); err != nil {
		return err
	}
	e.caseInsensitive.Store(on)
	return nil
}

func (e *SharedEngine) registerFuncs(conn *sqlite3.SQLiteConn) error {
	return conn.RegisterFunc("regexp", e.regexpMatch, false)
}

// regexpMatch backs "x REGEXP p", which SQLite evaluates as regexp(p, x).
func (e *SharedEngine) regexpMatch(pattern, target any) (bool, error) {
	if pattern == nil || target == nil {
		return false, nil
	}
	p := fmt.Sprint(textValue(pattern))
	if e.caseInsensitive.Load() {
		p = "(?i)" + p
	}

	var re *regexp.Regexp
	if cached, ok := e.regexCache.Get(p); ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		if re, err = regexp.Compile(p); err != nil {
			return false, err
		}
		e.regexCache.Add(p, re)
	}
	return re.MatchString(fmt.Sprint(textValue(target))), nil
}

func textValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// sqliteConnector opens connections with the engine's custom functions
// registered.
type sqliteConnector struct {
	drv *sqlite3.SQLiteDriver
	dsn string
}

func (c *sqliteConnector) Connect(context.Context) (driver.Conn, error) {
	return c.drv.Open(c.dsn)
}

func (c *sqliteConnector) Driver() driver.Driver { return c.drv }

func isNoSuchObject(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code != sqlite3.ErrError {
		return false
	}
	return containsAny(err.Error(), "no such table", "no such sequence")
}
