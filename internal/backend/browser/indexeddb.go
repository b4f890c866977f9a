package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
)

// scanPageSize is how many records one cursor round-trip returns.
const scanPageSize = 500

// IndexedDB exposes the page's IndexedDB databases as structured stores.
type IndexedDB struct {
	env *Env
}

type tableInfo struct {
	Name          string `json:"name"`
	KeyPath       string `json:"key_path,omitempty"`
	AutoIncrement bool   `json:"auto_increment"`
	Known         bool   `json:"known"`
}

type scanEntry struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

type putJS struct {
	Key   json.RawMessage `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

type tableJS struct {
	Table   string  `json:"table"`
	Records []putJS `json:"records"`
}

type failureJS struct {
	Table string `json:"table"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (d *IndexedDB) ListStores(ctx context.Context) ([]backend.StoreInfo, error) {
	var infos []struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	if err := d.env.call(ctx, `() => window.__daydream.listStores()`, &infos); err != nil {
		return nil, err
	}
	out := make([]backend.StoreInfo, len(infos))
	for i, info := range infos {
		out[i] = backend.StoreInfo{Name: info.Name, Version: info.Version}
	}
	return out, nil
}

func (d *IndexedDB) Open(ctx context.Context, name string) (backend.Handle, error) {
	id := d.env.handleID()
	var reply struct {
		Version int `json:"version"`
	}
	if err := d.env.call(ctx, `(name, id) => window.__daydream.open(name, id)`, &reply, name, id); err != nil {
		return nil, err
	}
	return &handle{env: d.env, id: id, name: name, version: reply.Version}, nil
}

func (d *IndexedDB) Delete(ctx context.Context, name string) error {
	return d.env.call(ctx, `(name) => window.__daydream.deleteStore(name)`, nil, name)
}

func (d *IndexedDB) Create(ctx context.Context, name string, version int, tables []backend.TableSpec) (backend.Handle, error) {
	if version < 1 {
		version = 1
	}
	specs := make([]tableInfo, len(tables))
	for i, t := range tables {
		specs[i] = tableInfo{Name: t.Name, KeyPath: t.KeyPath, AutoIncrement: t.AutoIncrement, Known: true}
	}
	id := d.env.handleID()
	js := `(name, version, specs, id) => window.__daydream.create(name, version, specs, id)`
	if err := d.env.call(ctx, js, nil, name, version, specs, id); err != nil {
		return nil, err
	}
	return &handle{env: d.env, id: id, name: name, version: version}, nil
}

type handle struct {
	env     *Env
	id      int
	name    string
	version int
	once    sync.Once
}

func (h *handle) Name() string { return h.name }

func (h *handle) Version() int { return h.version }

func (h *handle) Tables(ctx context.Context) ([]backend.TableSpec, error) {
	var infos []tableInfo
	if err := h.env.call(ctx, `(id) => window.__daydream.tables(id)`, &infos, h.id); err != nil {
		return nil, err
	}
	out := make([]backend.TableSpec, len(infos))
	for i, t := range infos {
		out[i] = backend.TableSpec{Name: t.Name, KeyPath: t.KeyPath, AutoIncrement: t.AutoIncrement, Known: t.Known}
	}
	return out, nil
}

// Scan pages through the table with a key-range cursor so a single
// round-trip never carries more than scanPageSize records.
func (h *handle) Scan(ctx context.Context, table string, fn backend.ScanFunc) error {
	var after json.RawMessage
	js := `(id, table, after, limit) => window.__daydream.scan(id, table, after, limit)`
	for {
		var page []scanEntry
		if err := h.env.call(ctx, js, &page, h.id, table, after, scanPageSize); err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e.Key, e.Value); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

func (h *handle) Replay(ctx context.Context, tables []backend.TableRecords) ([]backend.RecordFailure, error) {
	payload := make([]tableJS, len(tables))
	for i, t := range tables {
		records := make([]putJS, len(t.Records))
		for j, p := range t.Records {
			records[j] = putJS{Key: p.Key, Value: p.Value}
		}
		payload[i] = tableJS{Table: t.Table, Records: records}
	}

	var failures []failureJS
	if err := h.env.call(ctx, `(id, tables) => window.__daydream.replay(id, tables)`, &failures, h.id, payload); err != nil {
		return nil, err
	}
	out := make([]backend.RecordFailure, len(failures))
	for i, f := range failures {
		out[i] = backend.RecordFailure{Table: f.Table, Index: f.Index, Err: fmt.Errorf("%s", f.Error)}
	}
	return out, nil
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.env.call(context.Background(), `(id) => window.__daydream.close(id)`, nil, h.id)
	})
	return err
}
