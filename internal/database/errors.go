package database

import (
	"errors"
	"fmt"
	"strings"

	"desdbi/internal/config"
)

// Causes carried by a RewriteError.
var (
	ErrUnbalancedParentheses       = errors.New("unbalanced parentheses found")
	ErrUnbalancedQuotes            = errors.New("unbalanced quotes in expression")
	ErrUnknownStagingTarget        = errors.New("unknown materialize table type")
	ErrUnexpectedMaterializeFormat = errors.New("unexpected materialize format")
	ErrSyntax                      = errors.New("syntax error")
)

var (
	// ErrSemaphoreExhausted is returned by SEM_WAIT in fail-fast mode when no slot is free.
	ErrSemaphoreExhausted = errors.New("semaphore allocation failure")

	// ErrClosed is returned when operating on a closed connection.
	ErrClosed = errors.New("cannot operate on a closed database")

	// ErrNoResult is returned when an expression evaluation yields no row.
	ErrNoResult = errors.New("expression evaluation returned no row")
)

// RewriteError reports a statement outside the supported idiom subset.
type RewriteError struct {
	Rule      string
	Statement string
	Err       error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite %s: %v\nsql> %s", e.Rule, e.Err, e.Statement)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// UnknownProcedureError is returned for a procedure name the emulator does not handle.
type UnknownProcedureError struct {
	Name string
}

func (e *UnknownProcedureError) Error() string {
	return fmt.Sprintf("unknown procedure called: %q", e.Name)
}

// UnknownCaseSensitivityError is returned for a CaseSensitivity outside the defined values.
type UnknownCaseSensitivityError struct {
	Value CaseSensitivity
}

func (e *UnknownCaseSensitivityError) Error() string {
	return fmt.Sprintf("unknown case sensitivity value: %d", int(e.Value))
}

// ConnectionError is returned once every connection attempt has failed.
type ConnectionError struct {
	Attempts int
	LastErr  string
	err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("aborting attempt to connect to database after %d tries. Last error message: %s", e.Attempts, e.LastErr)
}

func (e *ConnectionError) Unwrap() error { return e.err }

// ZeroRowsAffectedError is returned by BasicUpdateRow when nothing matched the where values.
type ZeroRowsAffectedError struct {
	Table     string
	Statement string
	Params    map[string]any
}

func (e *ZeroRowsAffectedError) Error() string {
	return fmt.Sprintf("0 rows updated in table %s\nsql> %s\nparams> %v", e.Table, e.Statement, e.Params)
}

// ArgumentError reports invalid arguments to a facade operation.
type ArgumentError struct {
	Op  string
	Msg string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// StatementError carries the statement and parameters of a failed row.
type StatementError struct {
	Statement string
	Params    any
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%v\nsql> %s\nparams> %v", e.Err, e.Statement, e.Params)
}

func (e *StatementError) Unwrap() error { return e.Err }

// IsRewriteError returns true if err came from the idiom rewriter.
func IsRewriteError(err error) bool {
	var e *RewriteError
	return errors.As(err, &e)
}

// IsConfigurationError returns true for errors that are fatal at configuration time.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var (
		uk *config.UnknownEngineKindError
		uc *UnknownCaseSensitivityError
	)
	return errors.Is(err, config.ErrMissingDatabaseIdentifier) ||
		errors.Is(err, config.ErrMissingDatabaseFile) ||
		errors.As(err, &uk) ||
		errors.As(err, &uc)
}

// IsZeroRowsAffected returns true if err is a ZeroRowsAffectedError.
func IsZeroRowsAffected(err error) bool {
	var e *ZeroRowsAffectedError
	return errors.As(err, &e)
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
