package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EngineKind identifies which backend a ConnectionConfig targets
type EngineKind int

const (
	EngineOracle EngineKind = iota + 1
	EnginePostgres
	EngineMySQL
	EngineSQLite
)

func (k EngineKind) String() string {
	switch k {
	case EngineOracle:
		return "oracle"
	case EnginePostgres:
		return "postgres"
	case EngineMySQL:
		return "mysql"
	case EngineSQLite:
		return "sqlite"
	}
	return fmt.Sprintf("EngineKind(%d)", int(k))
}

// ErrMissingDatabaseIdentifier is returned when neither sid nor name is configured
var ErrMissingDatabaseIdentifier = errors.New("no database identifier found in service access config")

// ErrMissingDatabaseFile is returned when an embedded config names no file
var ErrMissingDatabaseFile = errors.New("no sqlite database file given")

// UnknownEngineKindError is returned for an unrecognized database type
type UnknownEngineKindError struct {
	Kind string
}

func (e *UnknownEngineKindError) Error() string {
	return fmt.Sprintf("unknown database type: %q", e.Kind)
}

// ParseEngineKind resolves a configured type string once, at parse time
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oracle":
		return EngineOracle, nil
	case "postgres", "postgresql":
		return EnginePostgres, nil
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "sqlite", "sqlite3", "test":
		return EngineSQLite, nil
	default:
		return 0, &UnknownEngineKindError{Kind: s}
	}
}

// ConnectionConfig holds everything needed to open one backend connection.
// It is passed by value and never mutated after construction.
type ConnectionConfig struct {
	Kind     EngineKind
	User     string
	Password string
	Host     string
	Port     int
	SID      string
	Name     string
	Service  string

	// For SQLite
	DBFile  string
	HomeDir string

	// Where the values came from, for diagnostics only
	MetaFile    string
	MetaSection string

	extra map[string]string
}

// Extra returns a copy of the unrecognized configdict entries
func (c ConnectionConfig) Extra() map[string]string {
	out := make(map[string]string, len(c.extra))
	for k, v := range c.extra {
		out[k] = v
	}
	return out
}

// DatabaseIdentifier returns the sid when set, else the name
func (c ConnectionConfig) DatabaseIdentifier() string {
	if c.SID != "" {
		return c.SID
	}
	return c.Name
}

// Redacted returns the config as a map with the password removed
func (c ConnectionConfig) Redacted() map[string]string {
	out := c.Extra()
	out["type"] = c.Kind.String()
	out["user"] = c.User
	out["server"] = c.Host
	if c.Port != 0 {
		out["port"] = strconv.Itoa(c.Port)
	}
	for k, v := range map[string]string{
		"sid": c.SID, "name": c.Name, "service": c.Service,
		"db_file": c.DBFile, "home_dir": c.HomeDir,
		"meta_file": c.MetaFile, "meta_section": c.MetaSection,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Validate checks the fields each engine kind requires
func (c ConnectionConfig) Validate() error {
	switch c.Kind {
	case EngineOracle, EnginePostgres, EngineMySQL:
		if c.SID == "" && c.Name == "" {
			return ErrMissingDatabaseIdentifier
		}
	case EngineSQLite:
		if c.DBFile == "" {
			return ErrMissingDatabaseFile
		}
	default:
		return &UnknownEngineKindError{Kind: c.Kind.String()}
	}
	return nil
}

// threaded is accepted for compatibility with existing service files but has
// no effect: database/sql connections are always safe for concurrent use.
var knownKeys = map[string]bool{
	"type": true, "user": true, "passwd": true, "server": true, "port": true,
	"sid": true, "name": true, "service": true, "threaded": true,
	"db_file": true, "home_dir": true, "meta_file": true, "meta_section": true,
}

// FromDict builds a ConnectionConfig from a parsed service-access section
func FromDict(d map[string]string) (ConnectionConfig, error) {
	kind, err := ParseEngineKind(d["type"])
	if err != nil {
		return ConnectionConfig{}, err
	}

	cfg := ConnectionConfig{
		Kind:        kind,
		User:        d["user"],
		Password:    d["passwd"],
		Host:        d["server"],
		SID:         d["sid"],
		Name:        d["name"],
		Service:     d["service"],
		DBFile:      d["db_file"],
		HomeDir:     d["home_dir"],
		MetaFile:    d["meta_file"],
		MetaSection: d["meta_section"],
		extra:       map[string]string{},
	}
	if p := d["port"]; p != "" {
		if cfg.Port, err = strconv.Atoi(p); err != nil {
			return ConnectionConfig{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}
	for k, v := range d {
		if !knownKeys[k] {
			cfg.extra[k] = v
		}
	}

	if kind == EngineSQLite {
		if cfg.DBFile == "" {
			cfg.DBFile = os.Getenv("DES_SQLITE_FILE")
		}
		if cfg.HomeDir == "" {
			cfg.HomeDir = os.Getenv("run_dir")
		}
	}

	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, err
	}
	return cfg, nil
}

// Load reads configuration from environment variables, after merging in
// envFile when one is given. Variables already set in the environment win.
func Load(envFile string) (ConnectionConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return ConnectionConfig{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	d := map[string]string{
		"type":     getEnv("DESDB_TYPE", "oracle"),
		"user":     getEnv("DESDB_USER", ""),
		"passwd":   getEnv("DESDB_PASSWD", ""),
		"server":   getEnv("DESDB_SERVER", "localhost"),
		"port":     getEnv("DESDB_PORT", "1521"),
		"sid":      getEnv("DESDB_SID", ""),
		"name":     getEnv("DESDB_NAME", ""),
		"service":  getEnv("DESDB_SERVICE", ""),
		"db_file":  getEnv("DES_SQLITE_FILE", ""),
		"home_dir": getEnv("run_dir", ""),
	}
	if envFile != "" {
		d["meta_file"] = envFile
	}
	if sslmode := os.Getenv("DESDB_SSLMODE"); sslmode != "" {
		d["sslmode"] = sslmode
	}
	return FromDict(d)
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
