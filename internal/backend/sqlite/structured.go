package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/db"
)

// Structured stores record stores in the stores, store_tables and
// store_records tables. Records are returned in key order: numbers first
// (by value), then strings, then any other JSON key.
type Structured struct {
	live *Live
}

func (s *Structured) ListStores(ctx context.Context) ([]backend.StoreInfo, error) {
	rows, err := s.live.db.QueryContext(ctx, "SELECT name, version FROM stores WHERE pending = 0 ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []backend.StoreInfo{}
	for rows.Next() {
		var info backend.StoreInfo
		if err := rows.Scan(&info.Name, &info.Version); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Structured) lookup(ctx context.Context, name string) (id int64, version int, err error) {
	err = s.live.db.QueryRowContext(ctx, "SELECT id, version FROM stores WHERE name = ? AND pending = 0", name).Scan(&id, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, backend.ErrNoSuchStore
	}
	return id, version, err
}

func (s *Structured) Open(ctx context.Context, name string) (backend.Handle, error) {
	id, version, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	s.live.acquire(id)
	return &handle{live: s.live, id: id, name: name, version: version}, nil
}

// Delete removes a store. With handles open, the store is hidden at once
// and its rows are dropped when the last handle closes.
func (s *Structured) Delete(ctx context.Context, name string) error {
	id, _, err := s.lookup(ctx, name)
	if errors.Is(err, backend.ErrNoSuchStore) {
		return nil
	}
	if err != nil {
		return err
	}

	s.live.mu.Lock()
	if s.live.handles[id] > 0 {
		_, err := s.live.db.ExecContext(ctx, "UPDATE stores SET pending = 1 WHERE id = ?", id)
		s.live.mu.Unlock()
		if err != nil {
			return err
		}
		return backend.ErrDeleteBlocked
	}
	s.live.mu.Unlock()

	return s.live.dropStore(id)
}

func (s *Structured) Create(ctx context.Context, name string, version int, tables []backend.TableSpec) (backend.Handle, error) {
	tx, err := s.live.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO stores (name, version) VALUES (?, ?)", name, version)
	if err != nil {
		if db.IsUniqueConstraintError(err) {
			return nil, fmt.Errorf("sqlite: store %q already exists", name)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for i, t := range tables {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO store_tables (store_id, name, position, key_path, auto_increment)
			VALUES (?, ?, ?, ?, ?)
		`, id, t.Name, i, t.KeyPath, t.AutoIncrement)
		if err != nil {
			if db.IsUniqueConstraintError(err) {
				return nil, fmt.Errorf("sqlite: duplicate table %q", t.Name)
			}
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.live.acquire(id)
	return &handle{live: s.live, id: id, name: name, version: version}, nil
}

type handle struct {
	live    *Live
	id      int64
	name    string
	version int

	once sync.Once
}

func (h *handle) Name() string { return h.name }

func (h *handle) Version() int { return h.version }

func (h *handle) Tables(ctx context.Context) ([]backend.TableSpec, error) {
	specs, err := loadSpecs(ctx, h.live.db, h.id)
	if err != nil {
		return nil, err
	}
	out := make([]backend.TableSpec, len(specs))
	for i, t := range specs {
		out[i] = t.spec
	}
	return out, nil
}

type tableState struct {
	spec backend.TableSpec
	next int64
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSpecs(ctx context.Context, q queryer, storeID int64) ([]*tableState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, key_path, auto_increment, next_key
		FROM store_tables
		WHERE store_id = ?
		ORDER BY position
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tableState
	for rows.Next() {
		t := &tableState{spec: backend.TableSpec{Known: true}}
		if err := rows.Scan(&t.spec.Name, &t.spec.KeyPath, &t.spec.AutoIncrement, &t.next); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (h *handle) Scan(ctx context.Context, table string, fn backend.ScanFunc) error {
	var one int
	err := h.live.db.QueryRowContext(ctx, "SELECT 1 FROM store_tables WHERE store_id = ? AND name = ?", h.id, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: no table %q in %q", table, h.name)
	}
	if err != nil {
		return err
	}

	rows, err := h.live.db.QueryContext(ctx, `
		SELECT key_json, value_json
		FROM store_records
		WHERE store_id = ? AND tbl = ?
		ORDER BY key_rank, key_num, key_text
	`, h.id, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(json.RawMessage(key), json.RawMessage(value)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (h *handle) Replay(ctx context.Context, tables []backend.TableRecords) ([]backend.RecordFailure, error) {
	tx, err := h.live.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	specs, err := loadSpecs(ctx, tx, h.id)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*tableState, len(specs))
	for _, t := range specs {
		byName[t.spec.Name] = t
	}

	var failures []backend.RecordFailure
	touched := make(map[string]bool)
	for _, tr := range tables {
		t := byName[tr.Table]
		if t == nil {
			return nil, fmt.Errorf("sqlite: no table %q in %q", tr.Table, h.name)
		}
		touched[tr.Table] = true

		for i, p := range tr.Records {
			key, value, usedNext, err := backend.ResolveKey(t.spec, p, t.next)
			if err != nil {
				failures = append(failures, backend.RecordFailure{Table: tr.Table, Index: i, Err: err})
				continue
			}
			rank, num, text := backend.KeyRank(key)
			// A failed statement rolls back only itself; the transaction stays usable.
			_, err = tx.ExecContext(ctx, `
				INSERT INTO store_records (store_id, tbl, key_rank, key_num, key_text, key_json, value_json)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, h.id, tr.Table, rank, num, text, string(key), string(value))
			if err != nil {
				if db.IsUniqueConstraintError(err) {
					failures = append(failures, backend.RecordFailure{Table: tr.Table, Index: i, Err: fmt.Errorf("duplicate key %s", key)})
					continue
				}
				return nil, err
			}
			if usedNext {
				t.next++
			} else {
				t.next = backend.AdvanceGenerator(t.next, key)
			}
		}
	}

	for name := range touched {
		t := byName[name]
		if _, err := tx.ExecContext(ctx, "UPDATE store_tables SET next_key = ? WHERE store_id = ? AND name = ?", t.next, h.id, name); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return failures, nil
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		h.live.mu.Lock()
		last := h.live.releaseLocked(h.id)
		var pending bool
		if last {
			err = h.live.db.QueryRow("SELECT pending FROM stores WHERE id = ?", h.id).Scan(&pending)
			if errors.Is(err, sql.ErrNoRows) {
				err = nil
			}
		}
		h.live.mu.Unlock()
		if err == nil && pending {
			err = h.live.dropStore(h.id)
		}
	})
	return err
}
