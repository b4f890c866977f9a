// Package snapshot defines the portable form of one identity's live state.
package snapshot

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

// FormatVersion is the only snapshot format this build reads and writes.
const FormatVersion = 1

// Snapshot is the unit of persisted identity state.
// A Snapshot is treated as immutable once produced; use Clone before editing.
type Snapshot struct {
	// ID is a ULID assigned when the snapshot is captured
	ID string `json:"id,omitempty"`

	// Version is the snapshot format version
	Version int `json:"version"`

	// CapturedAt is when the live state was read
	CapturedAt time.Time `json:"captured_at"`

	// FlatEntries is the flat key-value store
	FlatEntries map[string]string `json:"flat_entries"`

	// PairEntries is the session-style pair store
	PairEntries map[string]string `json:"pair_entries"`

	// StructuredStores are the exported record stores, in enumeration order
	StructuredStores []StoreExport `json:"structured_stores"`
}

// StoreExport is one structured store's full contents.
type StoreExport struct {
	Name          string        `json:"name"`
	SchemaVersion int           `json:"schema_version"`
	Tables        []TableExport `json:"tables"`
}

// TableExport is one table of a structured store, with its layout decided
// at export time.
type TableExport struct {
	Name    string   `json:"name"`
	Layout  Layout   `json:"layout"`
	Records []Record `json:"records"`
}

// LayoutKind tags how a table's records are keyed.
type LayoutKind string

const (
	// LayoutKeyPath: records carry their own key in the field named by KeyPath.
	LayoutKeyPath LayoutKind = "keypath"
	// LayoutAutoKey: the store generates keys. Recorded keys are replayed so
	// the generator resumes past them.
	LayoutAutoKey LayoutKind = "autokey"
	// LayoutExternal: keys live outside the record and are replayed explicitly.
	LayoutExternal LayoutKind = "external"
)

// Layout describes how a table is recreated on import.
type Layout struct {
	Kind    LayoutKind `json:"kind"`
	KeyPath string     `json:"key_path,omitempty"`

	// AutoIncrement is set for keypath tables whose key generator is on.
	AutoIncrement bool `json:"auto_increment,omitempty"`
}

// Record is one stored value. Key is omitted for LayoutKeyPath tables,
// whose values carry their own key.
type Record struct {
	Key   json.RawMessage `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

// KeyedRecord builds a record whose key is external to the value.
func KeyedRecord(key, value json.RawMessage) Record {
	return Record{Key: key, Value: value}
}

// AutoKeyRecord builds a record that carries (or does not need) its own key.
func AutoKeyRecord(value json.RawMessage) Record {
	return Record{Value: value}
}

// HasKey reports whether the record carries an explicit key.
func (r Record) HasKey() bool {
	return len(r.Key) > 0
}

// Empty returns a snapshot with no data, stamped with the current format.
func Empty() *Snapshot {
	return &Snapshot{
		Version:          FormatVersion,
		CapturedAt:       time.Now().UTC(),
		FlatEntries:      map[string]string{},
		PairEntries:      map[string]string{},
		StructuredStores: []StoreExport{},
	}
}

// NewID returns a new ULID for a snapshot.
func NewID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsEmpty reports whether the snapshot holds no data at all.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || (len(s.FlatEntries) == 0 && len(s.PairEntries) == 0 && len(s.StructuredStores) == 0)
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		ID:               s.ID,
		Version:          s.Version,
		CapturedAt:       s.CapturedAt,
		FlatEntries:      cloneMap(s.FlatEntries),
		PairEntries:      cloneMap(s.PairEntries),
		StructuredStores: make([]StoreExport, len(s.StructuredStores)),
	}
	for i, store := range s.StructuredStores {
		c.StructuredStores[i] = store.Clone()
	}
	return c
}

// Clone returns a deep copy of the store export.
func (e StoreExport) Clone() StoreExport {
	c := StoreExport{
		Name:          e.Name,
		SchemaVersion: e.SchemaVersion,
		Tables:        make([]TableExport, len(e.Tables)),
	}
	for i, t := range e.Tables {
		records := make([]Record, len(t.Records))
		for j, r := range t.Records {
			records[j] = Record{Key: cloneRaw(r.Key), Value: cloneRaw(r.Value)}
		}
		c.Tables[i] = TableExport{Name: t.Name, Layout: t.Layout, Records: records}
	}
	return c
}

// Store returns the export with the given name, or nil.
func (s *Snapshot) Store(name string) *StoreExport {
	for i := range s.StructuredStores {
		if s.StructuredStores[i].Name == name {
			return &s.StructuredStores[i]
		}
	}
	return nil
}

// Table returns the table with the given name, or nil.
func (e *StoreExport) Table(name string) *TableExport {
	for i := range e.Tables {
		if e.Tables[i].Name == name {
			return &e.Tables[i]
		}
	}
	return nil
}

// Encode serializes the snapshot as JSON.
func Encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.NewInvalidSnapshot("snapshot is nil")
	}
	data, err := json.Marshal(normalized(s))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}

// Decode parses a JSON snapshot. Snapshots of another format version are rejected.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.NewInvalidSnapshot(fmt.Sprintf("invalid snapshot JSON: %v", err))
	}
	if s.Version != FormatVersion {
		return nil, errors.NewInvalidSnapshot(fmt.Sprintf("unsupported snapshot version %d (want %d)", s.Version, FormatVersion))
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return normalized(&s), nil
}

// Validate checks structural invariants: unique store names and layouts
// consistent with their records.
func Validate(s *Snapshot) error {
	seen := make(map[string]bool, len(s.StructuredStores))
	for _, store := range s.StructuredStores {
		if store.Name == "" {
			return errors.NewInvalidSnapshot("structured store with empty name")
		}
		if seen[store.Name] {
			return errors.NewInvalidSnapshot(fmt.Sprintf("duplicate structured store %q", store.Name))
		}
		seen[store.Name] = true

		for _, t := range store.Tables {
			switch t.Layout.Kind {
			case LayoutKeyPath:
				if t.Layout.KeyPath == "" {
					return errors.NewInvalidSnapshot(fmt.Sprintf("table %s/%s: keypath layout without key path", store.Name, t.Name))
				}
			case LayoutAutoKey:
			case LayoutExternal:
				for i, r := range t.Records {
					if !r.HasKey() {
						return errors.NewInvalidSnapshot(fmt.Sprintf("table %s/%s: record %d has no key", store.Name, t.Name, i))
					}
				}
			default:
				return errors.NewInvalidSnapshot(fmt.Sprintf("table %s/%s: unknown layout %q", store.Name, t.Name, t.Layout.Kind))
			}
		}
	}
	return nil
}

// Equal reports whether a and b hold the same state, ignoring ID and CapturedAt.
// Record values are compared as canonical JSON.
func Equal(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Version != b.Version || !mapsEqual(a.FlatEntries, b.FlatEntries) || !mapsEqual(a.PairEntries, b.PairEntries) {
		return false
	}
	if len(a.StructuredStores) != len(b.StructuredStores) {
		return false
	}
	for i := range a.StructuredStores {
		if !storesEqual(a.StructuredStores[i], b.StructuredStores[i]) {
			return false
		}
	}
	return true
}

func storesEqual(a, b StoreExport) bool {
	if a.Name != b.Name || a.SchemaVersion != b.SchemaVersion || len(a.Tables) != len(b.Tables) {
		return false
	}
	for i := range a.Tables {
		ta, tb := a.Tables[i], b.Tables[i]
		if ta.Name != tb.Name || ta.Layout != tb.Layout || len(ta.Records) != len(tb.Records) {
			return false
		}
		for j := range ta.Records {
			if !rawEqual(ta.Records[j].Key, tb.Records[j].Key) || !rawEqual(ta.Records[j].Value, tb.Records[j].Value) {
				return false
			}
		}
	}
	return true
}

func rawEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// normalized returns a copy with every nil collection replaced by an empty
// one, so encoded snapshots never contain null where a map or list is expected.
func normalized(s *Snapshot) *Snapshot {
	return s.Clone()
}

func cloneMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
