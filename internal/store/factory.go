package store

import (
	"fmt"
	"strings"
)

// Config selects and configures the storage backend.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // file path for sqlite, connection string for postgres
}

// New constructs a Store from Config, defaulting to an embedded SQLite
// file when Driver is unset.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres DSN is required")
		}
		return NewPostgresStore(cfg.DSN)
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "workbench.db"
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
