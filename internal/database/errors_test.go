package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"desdbi/internal/config"
)

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(config.ErrMissingDatabaseIdentifier))
	t.Setenv("DES_SQLITE_FILE", "")
	_, err := config.FromDict(map[string]string{"type": "sqlite", "home_dir": t.TempDir()})
	assert.True(t, IsConfigurationError(err))
	assert.True(t, IsConfigurationError(fmt.Errorf("connect: %w", &config.UnknownEngineKindError{Kind: "db2"})))
	assert.True(t, IsConfigurationError(&UnknownCaseSensitivityError{Value: 7}))
	assert.False(t, IsConfigurationError(errors.New("network unreachable")))
	assert.False(t, IsConfigurationError(nil))
}

func TestRewriteErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("execute: %w", &RewriteError{Rule: "nullcmp", Statement: "SELECT NULLCMP(a", Err: ErrUnbalancedParentheses})
	assert.True(t, IsRewriteError(err))
	assert.ErrorIs(t, err, ErrUnbalancedParentheses)
	assert.Contains(t, err.Error(), "sql> SELECT NULLCMP(a")
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("ORA-12541: TNS:no listener")
	err := &ConnectionError{Attempts: 5, LastErr: cause.Error(), err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t,
		"aborting attempt to connect to database after 5 tries. Last error message: ORA-12541: TNS:no listener",
		err.Error())
}

func TestZeroRowsAffected(t *testing.T) {
	err := fmt.Errorf("update: %w", &ZeroRowsAffectedError{Table: "pfw_attempt", Statement: "UPDATE pfw_attempt SET x = :u_x"})
	assert.True(t, IsZeroRowsAffected(err))
	assert.False(t, IsZeroRowsAffected(ErrClosed))
}

func TestStatementError(t *testing.T) {
	err := &StatementError{Statement: "INSERT INTO t VALUES (?)", Params: []any{1}, Err: ErrClosed}
	assert.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, err.Error(), "params> [1]")
}
