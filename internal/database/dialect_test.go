package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desdbi/internal/config"
)

func TestRewritePyformatToNumbered(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  string
		wantNames []string
	}{
		{
			name:     "no placeholders",
			input:    "SELECT * FROM users",
			expected: "SELECT * FROM users",
		},
		{
			name:      "positional",
			input:     "SELECT * FROM users WHERE id = %s AND name = %s",
			expected:  "SELECT * FROM users WHERE id = $1 AND name = $2",
			wantNames: []string{"", ""},
		},
		{
			name:      "named, repeated",
			input:     "SELECT * FROM t WHERE a = %(A)s OR b = %(b)s OR c = %(a)s",
			expected:  "SELECT * FROM t WHERE a = $1 OR b = $2 OR c = $1",
			wantNames: []string{"a", "b"},
		},
		{
			name:     "literal percent",
			input:    "SELECT * FROM t WHERE a LIKE 'x%s' AND b = 100%%",
			expected: "SELECT * FROM t WHERE a LIKE 'x%s' AND b = 100%",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, names := rewritePyformatToNumbered(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestRewriteNamedToQuestion(t *testing.T) {
	got, names := rewriteNamedToQuestion("INSERT INTO t (a, b, c) VALUES (:a, ?, :C) -- ':x'")
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES (?, ?, ?) -- ':x'", got)
	assert.Equal(t, []string{"a", "", "c"}, names)

	got, names = rewriteNamedToQuestion("SELECT '10:30' FROM t")
	assert.Equal(t, "SELECT '10:30' FROM t", got)
	assert.Nil(t, names)
}

func TestStatementBind(t *testing.T) {
	st := &statement{names: []string{"a", "", "b"}}
	got, err := st.bind([]any{sql.Named("B", 2), "pos", sql.Named("a", 1)})
	require.NoError(t, err)
	assert.Equal(t, []any{1, "pos", 2}, got)

	_, err = st.bind([]any{sql.Named("a", 1)})
	assert.Error(t, err)

	_, err = (&statement{names: []string{"a"}}).bind(nil)
	assert.Error(t, err)

	passthrough := []any{1, 2}
	got, err = (&statement{}).bind(passthrough)
	require.NoError(t, err)
	assert.Equal(t, passthrough, got)
}

func TestDialectFragments(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		conn      Conn
		dialect   Dialect
		named     string
		pos       string
		exprFmt   string
		now       string
		dual      string
		sensitive string
		nocase    string
		seq       string
	}{
		{
			name: "oracle", conn: &OracleConn{remoteConn{dialect: DialectOracle}}, dialect: DialectOracle,
			named: ":fn", pos: ":2", exprFmt: "SELECT %s FROM DUAL", now: "SYSTIMESTAMP", dual: "FROM DUAL",
			sensitive: "REGEXP_LIKE(name, 'a.*', 'c')", nocase: "REGEXP_LIKE(name, 'a.*', 'i')", seq: "seq_x.NEXTVAL",
		},
		{
			name: "postgres", conn: &PostgresConn{remoteConn{dialect: DialectPostgres}}, dialect: DialectPostgres,
			named: "%(fn)s", pos: "%s", exprFmt: "SELECT %s", now: "now()", dual: "",
			sensitive: "(name ~ 'a.*')", nocase: "(name ~* 'a.*')", seq: "nextval('seq_x')",
		},
		{
			name: "mysql", conn: &MySQLConn{remoteConn{dialect: DialectMySQL}}, dialect: DialectMySQL,
			named: ":fn", pos: "?", exprFmt: "SELECT %s", now: "CURRENT_TIMESTAMP(6)", dual: "",
			sensitive: "REGEXP_LIKE(name, 'a.*', 'c')", nocase: "REGEXP_LIKE(name, 'a.*', 'i')", seq: "NEXTVAL(seq_x)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.conn
			assert.Equal(t, tt.dialect, c.Dialect())
			assert.Equal(t, tt.named, c.NamedBindString("fn"))
			assert.Equal(t, tt.pos, c.PositionalBindString(2))
			assert.Equal(t, tt.exprFmt, c.ExprEvalFormat())
			assert.Equal(t, tt.now, c.CurrentTimestamp())
			assert.Equal(t, tt.dual, c.FromDual())

			f, err := c.RegexFormat(ctx, CaseSensitive)
			require.NoError(t, err)
			assert.Equal(t, tt.sensitive, fmtRegex(f))
			f, err = c.RegexFormat(ctx, CaseInsensitive)
			require.NoError(t, err)
			assert.Equal(t, tt.nocase, fmtRegex(f))
			_, err = c.RegexFormat(ctx, CaseSensitivity(42))
			assert.True(t, IsConfigurationError(err))

			seq, err := c.SequenceNextExpression(ctx, "seq_x")
			require.NoError(t, err)
			assert.Equal(t, tt.seq, seq)
		})
	}
}

func fmtRegex(format string) string {
	return fmt.Sprintf(format, "name", "'a.*'")
}

func TestOracleDSN(t *testing.T) {
	cfg, err := config.FromDict(map[string]string{
		"type": "oracle", "user": "u", "passwd": "p", "server": "db.example.org", "port": "1521", "sid": "DESDB",
	})
	require.NoError(t, err)
	u, err := url.Parse(oracleDSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "oracle", u.Scheme)
	assert.Equal(t, "u", u.User.Username())
	assert.Equal(t,
		"(DESCRIPTION=(ADDRESS=(PROTOCOL=TCP)(HOST=db.example.org)(PORT=1521))(CONNECT_DATA=(SID=DESDB)))",
		u.Query().Get("connStr"))

	cfg, err = config.FromDict(map[string]string{
		"type": "oracle", "server": "h", "port": "1521", "name": "desoper", "service": "dedicated",
	})
	require.NoError(t, err)
	u, err = url.Parse(oracleDSN(cfg))
	require.NoError(t, err)
	assert.Contains(t, u.Query().Get("connStr"), "(CONNECT_DATA=(SERVICE_NAME=desoper)(SERVER=dedicated))")
}

func TestPostgresDSN(t *testing.T) {
	cfg, err := config.FromDict(map[string]string{
		"type": "postgres", "user": "des", "passwd": "it's secret", "server": "h", "port": "5432",
		"name": "desdb", "sslmode": "disable",
	})
	require.NoError(t, err)
	assert.Equal(t, `dbname=desdb host=h password='it\'s secret' port=5432 sslmode=disable user=des`, postgresDSN(cfg))
}

func TestMySQLDSN(t *testing.T) {
	cfg, err := config.FromDict(map[string]string{
		"type": "mysql", "user": "des", "passwd": "pw", "server": "h", "port": "3306", "name": "desdb",
	})
	require.NoError(t, err)
	dsn := mysqlDSN(cfg)
	assert.True(t, strings.HasPrefix(dsn, "des:pw@tcp(h:3306)/desdb?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestPostgresNamedBinds(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	c, err := newPostgresConn(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM t WHERE id = $1 AND band = $2")).
		WithArgs(int64(3), "g").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("D00001"))
	mock.ExpectCommit()
	mock.ExpectClose()

	curs := c.Cursor()
	require.NoError(t, curs.Execute(ctx, "SELECT name FROM t WHERE id = %(id)s AND band = %(band)s",
		sql.Named("band", "g"), sql.Named("id", int64(3))))
	assert.Equal(t, []string{"name"}, curs.Columns())
	row, ok := curs.FetchOne()
	require.True(t, ok)
	assert.Equal(t, []any{"D00001"}, row)
	_, ok = curs.FetchOne()
	assert.False(t, ok)

	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTableDrop(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	c, err := newPostgresConn(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT "svp_drop_[0-9a-f]+"$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS gone")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT "svp_drop_[0-9a-f]+"$`).WillReturnResult(sqlmock.NewResult(0, 0))

	// Lacking the privilege is tolerated.
	mock.ExpectExec(`^SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS theirs")).WillReturnError(&pq.Error{Code: "42501"})
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))

	// Anything else is not.
	mock.ExpectExec(`^SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP SEQUENCE IF EXISTS broken")).WillReturnError(&pq.Error{Code: "XX000"})
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT `).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.TableDrop(ctx, "gone"))
	require.NoError(t, c.TableDrop(ctx, "theirs"))
	assert.Error(t, c.SequenceDrop(ctx, "broken"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOracleDrops(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	c, err := newOracleConn(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE gone").WillReturnError(errors.New("ORA-00942: table or view does not exist"))
	mock.ExpectExec("DROP SEQUENCE gone_seq").WillReturnError(errors.New("ORA-02289: sequence does not exist"))
	mock.ExpectExec("DROP TABLE locked").WillReturnError(errors.New("ORA-00054: resource busy"))

	assert.NoError(t, c.TableDrop(ctx, "gone"))
	assert.NoError(t, c.SequenceDrop(ctx, "gone_seq"))
	assert.Error(t, c.TableDrop(ctx, "locked"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOracleCallProc(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	c, err := newOracleConn(ctx, db)
	require.NoError(t, err)
	require.NoError(t, c.SetAutocommit(ctx, true))

	mock.ExpectExec(regexp.QuoteMeta("BEGIN pkg.proc(:1, :2); END;")).
		WithArgs("x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	var slot Slot
	require.NoError(t, c.CallProc(ctx, "pkg.proc", "x", &slot))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLNamedBinds(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	mock.ExpectExec("SET FOREIGN_KEY_CHECKS = 1").WillReturnResult(sqlmock.NewResult(0, 0))
	c, err := newMySQLConn(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO t (a, b) VALUES (?, ?)")).
		WithArgs("x", int64(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	curs := c.Cursor()
	require.NoError(t, curs.Execute(ctx, "INSERT INTO t (a, b) VALUES (:a, :b)", sql.Named("b", int64(2)), sql.Named("a", "x")))
	assert.Equal(t, int64(1), curs.RowCount())
	require.NoError(t, c.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnTypesByQuery(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)

	c, err := newPostgresConn(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM image WHERE 0=1")).WillReturnRows(
		sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("FILENAME").OfType("VARCHAR", ""),
			sqlmock.NewColumn("EXPNUM").OfType("INT8", int64(0)),
			sqlmock.NewColumn("RA").OfType("FLOAT8", float64(0)),
		))

	types, err := c.ColumnTypes(ctx, "image")
	require.NoError(t, err)
	assert.Equal(t, map[string]TypeTag{"filename": TypeString, "expnum": TypeNumber, "ra": TypeFloat}, types)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTypeTagFor(t *testing.T) {
	assert.Equal(t, TypeString, typeTagFor("varchar2(20)"))
	assert.Equal(t, TypeNumber, typeTagFor("NUMBER"))
	assert.Equal(t, TypeTimestamp, typeTagFor("timestamp with time zone"))
	assert.Equal(t, TypeUnknown, typeTagFor("GEOMETRY"))
}
