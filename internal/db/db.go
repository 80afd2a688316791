// Package db is the local SQLite ledger. It stores one row per counting
// session, applies its schema through embedded migrations and exposes the
// database on the debug mux for live inspection.
package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/crossing.report/internal/monitoring"
	_ "modernc.org/sqlite"
)

var logf = monitoring.Component("db")

type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens the database at path and applies connection pragmas without
// touching the schema. The migrate subcommand uses it directly.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer keeps SQLite from returning SQLITE_BUSY under WAL
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	v, _, err := db.MigrateVersion()
	if err == nil {
		logf("ledger database %s at schema version %d", path, v)
	}
	return db, nil
}
