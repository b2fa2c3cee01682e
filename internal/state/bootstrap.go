package state

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// persistenceCloser holds the DB handle for cleanup. Implements io.Closer.
type persistenceCloser struct {
	db *sql.DB
}

func (c *persistenceCloser) Close() error {
	return c.db.Close()
}

// Bootstrap initializes the database and returns a ready-to-use Engine plus
// an io.Closer for the DB handle.
//
// Steps:
//  1. Open/create curvescan.db with recommended pragmas.
//  2. Apply schema migrations.
//  3. Run consistency repair (orphan backfill, malformed-row cleanup).
//  4. Construct and return the Engine.
func Bootstrap(dataDir string) (engine *Engine, closer io.Closer, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "curvescan.db")

	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open curvescan.db: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate curvescan.db: %w", err)
	}

	if err := RepairConsistency(db, time.Now().UnixNano()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("repair consistency: %w", err)
	}

	engine = NewEngine(NewRepo(db))
	return engine, &persistenceCloser{db: db}, nil
}
