// Package storage owns the sqlite database behind one lock-store node.
// Each node has its own file; nodes never share storage, since their
// independence is what the quorum layer's safety argument rests on.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

// Open opens (creating if needed) the node's database, applies the
// pragmas, and runs pending migrations. The returned handle is ready
// for the lease service.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}

	// WAL keeps sweep reads from blocking conditional writes; the busy
	// timeout absorbs short write contention instead of surfacing
	// SQLITE_BUSY to every caller.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	// The working set is a single tiny table; connections are cheap to
	// rebuild, so recycle them well under any proxy idle cutoff.
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	wdb := &DB{DB: db}

	if err := wdb.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return wdb, nil
}

// applyPragmas re-asserts the session pragmas explicitly; DSN parsing
// quietly ignores unknown keys, and a node running without WAL would
// still work but stall sweeps behind writes.
func (d *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := d.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma failed (%s): %w", p, err)
		}
	}
	return nil
}
