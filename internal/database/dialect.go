package database

import (
	"context"
	"strings"
)

// Dialect names a backend family.
type Dialect string

const (
	DialectOracle   Dialect = "oracle"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// CaseSensitivity selects how a regex clause compares letters.
type CaseSensitivity int

const (
	CaseSensitive CaseSensitivity = iota + 1
	CaseInsensitive
	CaseDefault
)

func (c CaseSensitivity) String() string {
	switch c {
	case CaseSensitive:
		return "sensitive"
	case CaseInsensitive:
		return "insensitive"
	case CaseDefault:
		return "default"
	}
	return "unknown"
}

// TypeTag is the dialect-independent type of a column.
type TypeTag int

const (
	TypeUnknown TypeTag = iota
	TypeString
	TypeNumber
	TypeFloat
	TypeDate
	TypeTimestamp
	TypeBytes
)

func (t TypeTag) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeFloat:
		return "float"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	case TypeBytes:
		return "bytes"
	}
	return "unknown"
}

var typeTags = map[string]TypeTag{
	"TEXT": TypeString, "VARCHAR": TypeString, "VARCHAR2": TypeString, "NVARCHAR2": TypeString,
	"CHAR": TypeString, "NCHAR": TypeString, "CLOB": TypeString, "NCLOB": TypeString,
	"CHARACTER": TypeString, "BPCHAR": TypeString, "LONGTEXT": TypeString, "MEDIUMTEXT": TypeString,
	"INTEGER": TypeNumber, "INT": TypeNumber, "INT2": TypeNumber, "INT4": TypeNumber, "INT8": TypeNumber,
	"BIGINT": TypeNumber, "SMALLINT": TypeNumber, "TINYINT": TypeNumber, "NUMBER": TypeNumber,
	"NUMERIC": TypeNumber, "DECIMAL": TypeNumber,
	"REAL": TypeFloat, "FLOAT": TypeFloat, "FLOAT4": TypeFloat, "FLOAT8": TypeFloat,
	"DOUBLE": TypeFloat, "BINARY_DOUBLE": TypeFloat, "BINARY_FLOAT": TypeFloat, "IBFLOAT": TypeFloat, "IBDOUBLE": TypeFloat,
	"DATE": TypeDate,
	"TIMESTAMP": TypeTimestamp, "TIMESTAMPTZ": TypeTimestamp, "DATETIME": TypeTimestamp,
	"TIMESTAMPTZ_DTY": TypeTimestamp, "TIMESTAMP_DTY": TypeTimestamp,
	"BLOB": TypeBytes, "BYTEA": TypeBytes, "RAW": TypeBytes, "LONGBLOB": TypeBytes, "VARBINARY": TypeBytes,
}

// typeTagFor maps a driver type name such as "VARCHAR2" or "varchar(20)".
func typeTagFor(name string) TypeTag {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexAny(name, "( "); i >= 0 {
		name = name[:i]
	}
	return typeTags[name]
}

// ColumnDescription describes one result column.
type ColumnDescription struct {
	Name         string
	Type         TypeTag
	DatabaseType string
	Size         int64
	Precision    int64
	Scale        int64
	Nullable     bool
}

// Conn is the capability set every backend provides. The facade holds one
// and never inspects which backend it is beyond Dialect.
type Conn interface {
	Dialect() Dialect

	// Cursor returns a new cursor on the connection's session.
	Cursor() *Cursor

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error

	// Ping reports whether the connection is usable.
	Ping(ctx context.Context) bool

	Autocommit() bool
	SetAutocommit(ctx context.Context, on bool) error

	NamedBindString(name string) string
	PositionalBindString(pos int) string

	// RegexFormat returns a fmt format taking the target as %[1]s and the
	// quoted pattern as %[2]s.
	RegexFormat(ctx context.Context, cs CaseSensitivity) (string, error)

	// SequenceNextExpression returns an expression yielding the next value.
	SequenceNextExpression(ctx context.Context, name string) (string, error)

	// ExprEvalFormat returns a fmt format turning a comma-joined expression
	// list (%s) into an executable statement.
	ExprEvalFormat() string

	// TableDrop and SequenceDrop succeed when the object does not exist.
	TableDrop(ctx context.Context, table string) error
	SequenceDrop(ctx context.Context, name string) error

	CurrentTimestamp() string
	FromDual() string

	ColumnTypes(ctx context.Context, table string) (map[string]TypeTag, error)
	CallProc(ctx context.Context, name string, args ...any) error
}

// statement is a statement prepared for one backend.
type statement struct {
	text  string
	names []string
	skip  bool
}

// backend is the part of a Conn a Cursor drives.
type backend interface {
	Dialect() Dialect
	prepare(ctx context.Context, stmt string) (*statement, error)
	adaptArgs(args []any) []any
	session() *session
}

func validCaseSensitivity(cs CaseSensitivity) error {
	switch cs {
	case CaseSensitive, CaseInsensitive, CaseDefault:
		return nil
	}
	return &UnknownCaseSensitivityError{Value: cs}
}
