package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngineKind(t *testing.T) {
	tests := []struct {
		in   string
		want EngineKind
	}{
		{"oracle", EngineOracle},
		{"Postgres", EnginePostgres},
		{"postgresql", EnginePostgres},
		{"mysql", EngineMySQL},
		{"sqlite", EngineSQLite},
		{"test", EngineSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEngineKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseEngineKind("db2")
	var uerr *UnknownEngineKindError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "db2", uerr.Kind)
}

func TestFromDict(t *testing.T) {
	d := map[string]string{
		"type":   "oracle",
		"user":   "non-user",
		"passwd": "non-passwd",
		"server": "non-server",
		"port":   "1521",
	}

	_, err := FromDict(d)
	require.ErrorIs(t, err, ErrMissingDatabaseIdentifier)

	d["name"] = "myDB"
	cfg, err := FromDict(d)
	require.NoError(t, err)
	assert.Equal(t, "myDB", cfg.DatabaseIdentifier())
	assert.Equal(t, 1521, cfg.Port)

	d["sid"] = "123456"
	d["service"] = "non-service"
	d["threaded"] = "true"
	d["cclass"] = "DESDM"
	cfg, err = FromDict(d)
	require.NoError(t, err)
	assert.Equal(t, "123456", cfg.DatabaseIdentifier())
	// threaded is consumed, never forwarded to the driver.
	assert.Equal(t, map[string]string{"cclass": "DESDM"}, cfg.Extra())

	// Extra hands out copies.
	cfg.Extra()["cclass"] = "other"
	assert.Equal(t, "DESDM", cfg.Extra()["cclass"])

	red := cfg.Redacted()
	assert.NotContains(t, red, "passwd")
	assert.Equal(t, "non-user", red["user"])

	d["port"] = "abc"
	_, err = FromDict(d)
	assert.Error(t, err)
}

func TestFromDictSQLite(t *testing.T) {
	t.Setenv("DES_SQLITE_FILE", "")
	_, err := FromDict(map[string]string{"type": "sqlite"})
	assert.ErrorIs(t, err, ErrMissingDatabaseFile)

	cfg, err := FromDict(map[string]string{"type": "test", "db_file": "des_test_db.db", "home_dir": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, EngineSQLite, cfg.Kind)
	assert.Equal(t, "des_test_db.db", cfg.DBFile)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.env")
	require.NoError(t, os.WriteFile(path, []byte("DESDB_TYPE=postgres\nDESDB_NAME=des\nDESDB_PORT=5432\n"), 0o600))

	for _, k := range []string{"DESDB_TYPE", "DESDB_NAME", "DESDB_PORT"} {
		old, ok := os.LookupEnv(k)
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() {
			if ok {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnginePostgres, cfg.Kind)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, path, cfg.MetaFile)
}
