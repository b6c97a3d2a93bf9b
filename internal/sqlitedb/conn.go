// Package sqlitedb wraps the minimal SQLite access the replication
// engine needs: a long-lived read transaction that pins WAL frames
// against reclamation, and a checkpoint call that truncates the WAL back
// into the main database file.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/waloy/waloy/internal/waloyerr"
)

// DB holds the connection pool backing one SQLite database file.
type DB struct {
	path string
	pool *sql.DB
}

// Open opens path with the mattn/go-sqlite3 driver and confirms it is in
// WAL journal mode.
func Open(path string) (*DB, error) {
	pool, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.Open", err)
	}
	pool.SetMaxOpenConns(2) // one pinned read connection, one for checkpoint/admin calls

	var mode string
	if err := pool.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		pool.Close()
		return nil, waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.Open:journal_mode", err)
	}
	if mode != "wal" {
		pool.Close()
		return nil, waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.Open",
			fmt.Errorf("database %s is not in WAL journal mode (got %q)", path, mode))
	}

	return &DB{path: path, pool: pool}, nil
}

func (d *DB) Path() string { return d.path }

// ReadTx is a long-lived read transaction that pins the WAL's current
// frames so a checkpoint cannot reclaim them out from under the reader.
type ReadTx struct {
	tx *sql.Tx
}

// BeginRead opens a deferred read transaction and issues one statement to
// actually acquire a read lock, mirroring how litestream-style
// replicators pin a snapshot of the WAL.
func (d *DB) BeginRead(ctx context.Context) (*ReadTx, error) {
	tx, err := d.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.BeginRead", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT count(*) FROM sqlite_master"); err != nil {
		tx.Rollback()
		return nil, waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.BeginRead:pin", err)
	}
	return &ReadTx{tx: tx}, nil
}

// Release ends the pinning transaction, allowing a subsequent checkpoint
// to reclaim WAL frames.
func (r *ReadTx) Release() error {
	if r == nil || r.tx == nil {
		return nil
	}
	if err := r.tx.Rollback(); err != nil {
		return waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.ReadTx.Release", err)
	}
	return nil
}

// CheckpointTruncate runs PRAGMA wal_checkpoint(TRUNCATE), the mode that
// both flushes the WAL into the main database file and truncates the WAL
// back to zero bytes so the next generation starts clean.
func (d *DB) CheckpointTruncate(ctx context.Context) error {
	var busy, logSize, checkpointed int
	row := d.pool.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err := row.Scan(&busy, &logSize, &checkpointed); err != nil {
		return waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.CheckpointTruncate", err)
	}
	if busy != 0 {
		return waloyerr.Busy
	}
	return nil
}

func (d *DB) Close() error {
	if err := d.pool.Close(); err != nil {
		return waloyerr.Wrap(waloyerr.KindSqlite, "sqlitedb.Close", err)
	}
	return nil
}
