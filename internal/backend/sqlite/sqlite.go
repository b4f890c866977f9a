// Package sqlite is the default live environment: the flat store, the pair
// store and the structured record stores all persisted in one SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/db"
)

// FileName is the live-state database file inside the base directory.
const FileName = "live.db"

const (
	namespaceFlat = "flat"
	namespacePair = "pair"
)

// Live owns the live.db connection.
type Live struct {
	db *sql.DB

	mu      sync.Mutex
	handles map[int64]int // store id -> open handles
}

// Open opens (creating if needed) baseDir/live.db.
func Open(baseDir string) (*Live, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	path := filepath.Join(baseDir, FileName)
	conn, err := db.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0600)

	l := &Live{db: conn, handles: make(map[int64]int)}
	// Deletes left pending by a previous process can complete now.
	if err := l.purgePending(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Backend returns the three live backends.
func (l *Live) Backend() backend.Live {
	return backend.Live{
		Flat:       &KV{db: l.db, namespace: namespaceFlat},
		Pair:       &KV{db: l.db, namespace: namespacePair},
		Structured: &Structured{live: l},
		Close:      l.Close,
	}
}

// DB exposes the connection for pool tuning.
func (l *Live) DB() *sql.DB { return l.db }

// Close closes the database.
func (l *Live) Close() error {
	return l.db.Close()
}

func migrate(conn *sql.DB) error {
	version, err := db.GetUserVersion(conn)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS kv (
		  namespace TEXT NOT NULL,
		  key       TEXT NOT NULL,
		  value     TEXT NOT NULL,
		  PRIMARY KEY (namespace, key)
		);

		CREATE TABLE IF NOT EXISTS stores (
		  id      INTEGER PRIMARY KEY AUTOINCREMENT,
		  name    TEXT NOT NULL,
		  version INTEGER NOT NULL,
		  pending INTEGER NOT NULL DEFAULT 0
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_stores_live_name
		ON stores(name)
		WHERE pending = 0;

		CREATE TABLE IF NOT EXISTS store_tables (
		  store_id       INTEGER NOT NULL,
		  name           TEXT NOT NULL,
		  position       INTEGER NOT NULL,
		  key_path       TEXT NOT NULL DEFAULT '',
		  auto_increment INTEGER NOT NULL DEFAULT 0,
		  next_key       INTEGER NOT NULL DEFAULT 1,
		  PRIMARY KEY (store_id, name)
		);

		CREATE TABLE IF NOT EXISTS store_records (
		  store_id   INTEGER NOT NULL,
		  tbl        TEXT NOT NULL,
		  key_rank   INTEGER NOT NULL,
		  key_num    REAL NOT NULL DEFAULT 0,
		  key_text   TEXT NOT NULL DEFAULT '',
		  key_json   TEXT NOT NULL,
		  value_json TEXT NOT NULL,
		  PRIMARY KEY (store_id, tbl, key_rank, key_num, key_text)
		);
		`
		if _, err := conn.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := db.SetUserVersion(conn, 1); err != nil {
			return err
		}
	}

	return nil
}

func (l *Live) purgePending() error {
	rows, err := l.db.Query("SELECT id FROM stores WHERE pending = 1")
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := l.dropStore(id); err != nil {
			return err
		}
	}
	return nil
}

// dropStore removes every row belonging to a store id.
func (l *Live) dropStore(id int64) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM store_records WHERE store_id = ?",
		"DELETE FROM store_tables WHERE store_id = ?",
		"DELETE FROM stores WHERE id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *Live) acquire(id int64) {
	l.mu.Lock()
	l.handles[id]++
	l.mu.Unlock()
}

// releaseLocked drops one handle and reports whether it was the last.
// l.mu must be held.
func (l *Live) releaseLocked(id int64) bool {
	l.handles[id]--
	if l.handles[id] <= 0 {
		delete(l.handles, id)
		return true
	}
	return false
}
