// Package backend declares the live-state contracts the engine consumes:
// flat and pair key-value stores, and a structured record-store backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrDeleteBlocked reports that a store delete is pending on other open
	// handles. The delete completes once they close, so callers treat it as
	// success with a warning.
	ErrDeleteBlocked = errors.New("backend: delete blocked by open handles")

	// ErrNoSuchStore is returned when opening a structured store that does not exist.
	ErrNoSuchStore = errors.New("backend: no such store")
)

// KV is a string-keyed, string-valued store. The flat store and the pair
// store share this contract but live in distinct namespaces.
type KV interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key in one bulk operation.
	Clear(ctx context.Context) error
}

// StoreInfo identifies a structured store.
type StoreInfo struct {
	Name    string
	Version int
}

// TableSpec describes one table of a structured store.
type TableSpec struct {
	Name string

	// KeyPath is the record field holding the key, or "" for none.
	KeyPath string

	// AutoIncrement means the backend generates keys.
	AutoIncrement bool

	// Known is false when the backend cannot report KeyPath/AutoIncrement.
	Known bool
}

// Structured is a backend of named, versioned record stores, each holding
// several tables.
type Structured interface {
	ListStores(ctx context.Context) ([]StoreInfo, error)
	Open(ctx context.Context, name string) (Handle, error)
	// Delete removes a store. It may return ErrDeleteBlocked.
	Delete(ctx context.Context, name string) error
	// Create makes a new store with the given tables; it must not exist.
	Create(ctx context.Context, name string, version int, tables []TableSpec) (Handle, error)
}

// ScanFunc receives one record during a cursor walk. key is always the
// record's primary key; value is the stored value.
type ScanFunc func(key, value json.RawMessage) error

// TableRecords is the replay payload for one table.
type TableRecords struct {
	Table   string
	Records []Put
}

// Put is one record to write. Key is nil when the table derives it.
type Put struct {
	Key   json.RawMessage
	Value json.RawMessage
}

// RecordFailure is a per-record replay error that did not abort the transaction.
type RecordFailure struct {
	Table string
	Index int
	Err   error
}

// Handle is an open structured store.
type Handle interface {
	Name() string
	Version() int
	Tables(ctx context.Context) ([]TableSpec, error)
	// Scan walks every record of table in key order.
	Scan(ctx context.Context, table string, fn ScanFunc) error
	// Replay writes all tables in one transaction. Per-record failures are
	// returned and skipped; a non-nil error means the transaction failed.
	Replay(ctx context.Context, tables []TableRecords) ([]RecordFailure, error)
	Close() error
}

// Live bundles the three backends making up one execution environment.
type Live struct {
	Flat       KV
	Pair       KV
	Structured Structured
	// Close releases resources owned by the environment; may be nil.
	Close func() error
}
