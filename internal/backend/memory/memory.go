// Package memory is an in-process live environment. Tests use its fault
// hooks and call counters; the CLI uses it for dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
)

// NewLive returns a fresh environment with empty flat, pair and structured backends.
func NewLive() backend.Live {
	return backend.Live{
		Flat:       NewKV(),
		Pair:       NewKV(),
		Structured: NewStructured(),
	}
}

// KV is an in-memory backend.KV.
type KV struct {
	mu   sync.Mutex
	data map[string]string

	// GetErr, SetErr and friends inject failures. Set them before use.
	GetErr   func(key string) error
	SetErr   func(key string) error
	KeysErr  error
	ClearErr error

	clears int
}

// NewKV returns an empty KV.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

func (m *KV) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.KeysErr != nil {
		return nil, m.KeysErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *KV) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.GetErr != nil {
		if err := m.GetErr(key); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("memory: no key %q", key)
	}
	return v, nil
}

func (m *KV) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.SetErr != nil {
		if err := m.SetErr(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *KV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *KV) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.mu.Lock()
	m.data = make(map[string]string)
	m.clears++
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the current contents.
func (m *KV) Entries() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Clears returns how many times Clear succeeded.
func (m *KV) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Faults injects structured-backend failures, keyed by store name
// (ScanErr by "store/table"). Set before use.
type Faults struct {
	ListErr   error
	OpenDelay map[string]time.Duration
	OpenErr   map[string]error
	DeleteErr map[string]error
	CreateErr map[string]error
	ReplayErr map[string]error
	ScanErr   map[string]error

	// CreateDelay stalls Create like a store stuck behind other connections.
	CreateDelay map[string]time.Duration

	// HideLayouts makes Tables report Known=false, as a backend without
	// schema introspection would.
	HideLayouts bool
}

type record struct {
	key   json.RawMessage
	value json.RawMessage
}

type table struct {
	spec    backend.TableSpec
	records []record
	next    int64
}

type store struct {
	name    string
	version int
	tables  []*table
	open    int
}

func (s *store) table(name string) *table {
	for _, t := range s.tables {
		if t.spec.Name == name {
			return t
		}
	}
	return nil
}

// Structured is an in-memory backend.Structured. Stores are listed in
// creation order. Deleting a store with open handles detaches it at once
// and reports backend.ErrDeleteBlocked; the handles keep working on the
// detached data.
type Structured struct {
	mu     sync.Mutex
	stores map[string]*store
	order  []string
	calls  map[string]int

	Faults Faults
}

// NewStructured returns an empty structured backend.
func NewStructured() *Structured {
	return &Structured{
		stores: make(map[string]*store),
		calls:  make(map[string]int),
	}
}

// Calls returns how many times op ("open", "delete", "create", "replay")
// was invoked for the named store.
func (m *Structured) Calls(op, name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op+":"+name]
}

// OpenHandles returns the number of open handles on a store.
func (m *Structured) OpenHandles(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[name]; ok {
		return s.open
	}
	return 0
}

func (m *Structured) count(op, name string) {
	m.mu.Lock()
	m.calls[op+":"+name]++
	m.mu.Unlock()
}

func (m *Structured) ListStores(ctx context.Context) ([]backend.StoreInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Faults.ListErr != nil {
		return nil, m.Faults.ListErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]backend.StoreInfo, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, backend.StoreInfo{Name: name, Version: m.stores[name].version})
	}
	return out, nil
}

func (m *Structured) Open(ctx context.Context, name string) (backend.Handle, error) {
	m.count("open", name)

	if d := m.Faults.OpenDelay[name]; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := m.Faults.OpenErr[name]; err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, backend.ErrNoSuchStore
	}
	s.open++
	return &handle{owner: m, s: s}, nil
}

func (m *Structured) Delete(ctx context.Context, name string) error {
	m.count("delete", name)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Faults.DeleteErr[name]; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return nil
	}
	m.detach(name)
	if s.open > 0 {
		return backend.ErrDeleteBlocked
	}
	return nil
}

func (m *Structured) detach(name string) {
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Structured) Create(ctx context.Context, name string, version int, tables []backend.TableSpec) (backend.Handle, error) {
	m.count("create", name)
	if d := m.Faults.CreateDelay[name]; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.Faults.CreateErr[name]; err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; ok {
		return nil, fmt.Errorf("memory: store %q already exists", name)
	}
	s := &store{name: name, version: version, open: 1}
	for _, spec := range tables {
		if s.table(spec.Name) != nil {
			return nil, fmt.Errorf("memory: duplicate table %q", spec.Name)
		}
		spec.Known = true
		s.tables = append(s.tables, &table{spec: spec, next: 1})
	}
	m.stores[name] = s
	m.order = append(m.order, name)
	return &handle{owner: m, s: s}, nil
}

type handle struct {
	owner  *Structured
	s      *store
	closed bool
}

func (h *handle) Name() string { return h.s.name }

func (h *handle) Version() int { return h.s.version }

func (h *handle) Tables(ctx context.Context) ([]backend.TableSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()

	out := make([]backend.TableSpec, 0, len(h.s.tables))
	for _, t := range h.s.tables {
		spec := t.spec
		if h.owner.Faults.HideLayouts {
			spec = backend.TableSpec{Name: spec.Name}
		}
		out = append(out, spec)
	}
	return out, nil
}

func (h *handle) Scan(ctx context.Context, tableName string, fn backend.ScanFunc) error {
	if err := h.owner.Faults.ScanErr[h.s.name+"/"+tableName]; err != nil {
		return err
	}

	h.owner.mu.Lock()
	t := h.s.table(tableName)
	if t == nil {
		h.owner.mu.Unlock()
		return fmt.Errorf("memory: no table %q in %q", tableName, h.s.name)
	}
	records := append([]record(nil), t.records...)
	h.owner.mu.Unlock()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func (h *handle) Replay(ctx context.Context, tables []backend.TableRecords) ([]backend.RecordFailure, error) {
	h.owner.count("replay", h.s.name)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.owner.Faults.ReplayErr[h.s.name]; err != nil {
		return nil, err
	}

	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()

	// Stage on copies so a failed transaction leaves the store untouched.
	staged := make(map[string]*table, len(tables))
	var failures []backend.RecordFailure
	for _, tr := range tables {
		t := staged[tr.Table]
		if t == nil {
			live := h.s.table(tr.Table)
			if live == nil {
				return nil, fmt.Errorf("memory: no table %q in %q", tr.Table, h.s.name)
			}
			t = &table{spec: live.spec, records: append([]record(nil), live.records...), next: live.next}
			staged[tr.Table] = t
		}
		for i, p := range tr.Records {
			if err := t.add(p); err != nil {
				failures = append(failures, backend.RecordFailure{Table: tr.Table, Index: i, Err: err})
			}
		}
	}
	for name, t := range staged {
		live := h.s.table(name)
		live.records = t.records
		live.next = t.next
	}
	return failures, nil
}

func (t *table) add(p backend.Put) error {
	key, value, usedNext, err := backend.ResolveKey(t.spec, p, t.next)
	if err != nil {
		return err
	}
	i := sort.Search(len(t.records), func(i int) bool {
		return backend.CompareKeys(t.records[i].key, key) >= 0
	})
	if i < len(t.records) && backend.CompareKeys(t.records[i].key, key) == 0 {
		return fmt.Errorf("duplicate key %s", key)
	}
	t.records = append(t.records, record{})
	copy(t.records[i+1:], t.records[i:])
	t.records[i] = record{
		key:   append(json.RawMessage(nil), key...),
		value: append(json.RawMessage(nil), value...),
	}
	if usedNext {
		t.next++
	} else {
		t.next = backend.AdvanceGenerator(t.next, key)
	}
	return nil
}

func (h *handle) Close() error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.s.open--
	return nil
}
