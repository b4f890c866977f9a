package state

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
)

// conventionalKeyField is the record field taken as primary key when a
// backend cannot describe a table's layout.
const conventionalKeyField = "id"

// StructuredOptions tunes the structured adapter. Zero values take the defaults.
type StructuredOptions struct {
	Reserved       []string
	OpenTimeout    time.Duration
	DeleteTimeout  time.Duration
	ImportTimeout  time.Duration
	Attempts       int
	RetryBaseDelay time.Duration

	// Sleep waits between import attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *StructuredOptions) defaults() {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.DeleteTimeout <= 0 {
		o.DeleteTimeout = 5 * time.Second
	}
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = 10 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

// StructuredAdapter exports and imports every structured store of a backend.
type StructuredAdapter struct {
	backend  backend.Structured
	opts     StructuredOptions
	reserved map[string]bool
	log      zerolog.Logger
}

// NewStructuredAdapter wraps b.
func NewStructuredAdapter(b backend.Structured, opts StructuredOptions, log zerolog.Logger) *StructuredAdapter {
	opts.defaults()
	reserved := make(map[string]bool, len(opts.Reserved))
	for _, name := range opts.Reserved {
		reserved[name] = true
	}
	return &StructuredAdapter{
		backend:  b,
		opts:     opts,
		reserved: reserved,
		log:      log.With().Str("backend", BackendStructured).Logger(),
	}
}

// Export reads every non-reserved store. A store that cannot be read is
// left out and reported; a table that cannot be read is exported empty and
// reported. Only a failure to list stores is returned.
func (a *StructuredAdapter) Export(ctx context.Context, r *Report) ([]snapshot.StoreExport, error) {
	infos, err := a.backend.ListStores(ctx)
	if err != nil {
		return []snapshot.StoreExport{}, errors.NewStorage(errors.ErrBackendFailed, "list structured stores", err)
	}

	out := []snapshot.StoreExport{}
	for _, info := range infos {
		if a.reserved[info.Name] {
			continue
		}
		var export snapshot.StoreExport
		ok := collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrOpenFailed, Backend: BackendStructured, Store: info.Name}, func() error {
			var err error
			export, err = a.exportStore(ctx, info.Name, r)
			return err
		})
		if ok {
			out = append(out, export)
		}
	}
	return out, nil
}

func (a *StructuredAdapter) exportStore(ctx context.Context, name string, r *Report) (snapshot.StoreExport, error) {
	h, err := a.open(ctx, name)
	if err != nil {
		return snapshot.StoreExport{}, err
	}
	defer h.Close()

	specs, err := h.Tables(ctx)
	if err != nil {
		return snapshot.StoreExport{}, errors.NewStorage(errors.ErrOpenFailed, "list tables of "+name, err)
	}

	export := snapshot.StoreExport{Name: name, SchemaVersion: h.Version(), Tables: []snapshot.TableExport{}}
	for _, spec := range specs {
		var pairs []backend.Put
		ok := collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrTableReadFailed, Backend: BackendStructured, Store: name, Table: spec.Name}, func() error {
			return h.Scan(ctx, spec.Name, func(key, value json.RawMessage) error {
				pairs = append(pairs, backend.Put{Key: key, Value: value})
				return nil
			})
		})
		if !ok {
			pairs = nil
		}
		export.Tables = append(export.Tables, tableExport(spec, pairs))
	}
	return export, nil
}

// open opens a store within the open timeout. A handle that arrives after
// the timeout is closed unused.
func (a *StructuredAdapter) open(ctx context.Context, name string) (backend.Handle, error) {
	h, err := withTimeout(ctx, a.opts.OpenTimeout, func(ctx context.Context) (backend.Handle, error) {
		return a.backend.Open(ctx, name)
	}, func(late backend.Handle) {
		late.Close()
	})
	switch {
	case err == nil:
		return h, nil
	case stderrors.Is(err, errTimedOut):
		return nil, errors.NewStorage(errors.ErrOpenTimeout, fmt.Sprintf("open %s timed out after %s", name, a.opts.OpenTimeout), nil)
	default:
		return nil, errors.NewStorage(errors.ErrOpenFailed, "open "+name, err)
	}
}

// tableExport decides a table's layout once, at export time.
func tableExport(spec backend.TableSpec, pairs []backend.Put) snapshot.TableExport {
	t := snapshot.TableExport{Name: spec.Name, Records: make([]snapshot.Record, 0, len(pairs))}

	switch {
	case spec.Known && spec.KeyPath != "":
		t.Layout = snapshot.Layout{Kind: snapshot.LayoutKeyPath, KeyPath: spec.KeyPath, AutoIncrement: spec.AutoIncrement}
	case spec.Known && spec.AutoIncrement:
		t.Layout = snapshot.Layout{Kind: snapshot.LayoutAutoKey}
	case spec.Known:
		t.Layout = snapshot.Layout{Kind: snapshot.LayoutExternal}
	case len(pairs) > 0 && carriesKey(pairs[0], conventionalKeyField):
		t.Layout = snapshot.Layout{Kind: snapshot.LayoutKeyPath, KeyPath: conventionalKeyField}
	default:
		t.Layout = snapshot.Layout{Kind: snapshot.LayoutExternal}
	}

	for _, p := range pairs {
		if t.Layout.Kind == snapshot.LayoutKeyPath {
			t.Records = append(t.Records, snapshot.AutoKeyRecord(p.Value))
		} else {
			t.Records = append(t.Records, snapshot.KeyedRecord(p.Key, p.Value))
		}
	}
	return t
}

// carriesKey reports whether the record's value holds its own cursor key
// in field.
func carriesKey(p backend.Put, field string) bool {
	k, found, err := backend.ExtractKey(p.Value, field)
	if err != nil || !found {
		return false
	}
	return backend.CompareKeys(k, p.Key) == 0
}

// Import recreates every store in order. Each store gets up to Attempts
// tries with linear backoff; a store that never succeeds is reported and
// the next store is still attempted.
func (a *StructuredAdapter) Import(ctx context.Context, stores []snapshot.StoreExport, r *Report) {
	for _, store := range stores {
		if a.reserved[store.Name] {
			r.Add(Issue{Level: LevelWarning, Code: errors.ErrInvalidSnapshot, Backend: BackendStructured, Store: store.Name, Message: "reserved store skipped"})
			continue
		}
		a.importWithRetry(ctx, store, r)
	}
}

func (a *StructuredAdapter) importWithRetry(ctx context.Context, store snapshot.StoreExport, r *Report) bool {
	log := a.log.With().Str("store", store.Name).Logger()

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= a.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * a.opts.RetryBaseDelay
			if err := a.opts.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		tried = attempt

		attemptReport := &Report{}
		err := a.importOnce(ctx, store, attemptReport)
		if err == nil {
			r.Merge(attemptReport)
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("store imported after retry")
			}
			return true
		}
		lastErr = err
		log.Warn().Int("attempt", attempt).Err(err).Msg("store import attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	r.Add(Issue{
		Level:   LevelError,
		Code:    codeOr(lastErr, errors.ErrTransactionFailed),
		Backend: BackendStructured,
		Store:   store.Name,
		Attempt: tried,
		Err:     lastErr,
	})
	log.Error().Err(lastErr).Msg("store import gave up")
	return false
}

// importOnce runs one delete, create and replay sequence within the import timeout.
func (a *StructuredAdapter) importOnce(ctx context.Context, store snapshot.StoreExport, r *Report) error {
	_, err := withTimeout(ctx, a.opts.ImportTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.recreate(ctx, store, r)
	}, nil)
	if stderrors.Is(err, errTimedOut) {
		return errors.NewStorage(errors.ErrTransactionFailed, fmt.Sprintf("import of %s timed out after %s", store.Name, a.opts.ImportTimeout), nil)
	}
	return err
}

func (a *StructuredAdapter) recreate(ctx context.Context, store snapshot.StoreExport, r *Report) error {
	if err := a.delete(ctx, store.Name, r); err != nil {
		return err
	}

	h, err := a.backend.Create(ctx, store.Name, store.SchemaVersion, tableSpecs(store))
	if err != nil {
		return errors.NewStorage(errors.ErrOpenFailed, "create "+store.Name, err)
	}
	defer h.Close()

	failures, err := h.Replay(ctx, replayPayload(store))
	if err != nil {
		return errors.NewStorage(errors.ErrTransactionFailed, "replay "+store.Name, err)
	}
	for _, f := range failures {
		r.Add(Issue{
			Level:   LevelWarning,
			Code:    errors.ErrRecordReplayFailed,
			Backend: BackendStructured,
			Store:   store.Name,
			Table:   f.Table,
			Message: fmt.Sprintf("record %d: %v", f.Index, f.Err),
			Err:     f.Err,
		})
	}
	if len(failures) > 0 {
		a.log.Warn().Str("store", store.Name).Int("records", len(failures)).Msg("records skipped during replay")
	}
	return nil
}

// delete removes a store within the delete timeout. A blocked delete is a
// warning: it completes once the other handles close.
func (a *StructuredAdapter) delete(ctx context.Context, name string, r *Report) error {
	_, err := withTimeout(ctx, a.opts.DeleteTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.backend.Delete(ctx, name)
	}, nil)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, backend.ErrDeleteBlocked):
		r.Add(Issue{Level: LevelWarning, Code: errors.ErrDeleteBlocked, Backend: BackendStructured, Store: name, Err: err})
		a.log.Warn().Str("store", name).Msg("delete blocked by open handles")
		return nil
	case stderrors.Is(err, errTimedOut):
		return errors.NewStorage(errors.ErrDeleteFailed, fmt.Sprintf("delete %s timed out after %s", name, a.opts.DeleteTimeout), nil)
	default:
		return errors.NewStorage(errors.ErrDeleteFailed, "delete "+name, err)
	}
}

// ClearAll deletes every non-reserved store. Stores that cannot be deleted
// are reported; only a failure to list stores is returned.
func (a *StructuredAdapter) ClearAll(ctx context.Context, r *Report) error {
	infos, err := a.backend.ListStores(ctx)
	if err != nil {
		return errors.NewStorage(errors.ErrBackendFailed, "list structured stores", err)
	}
	for _, info := range infos {
		if a.reserved[info.Name] {
			continue
		}
		collect(r, a.log, Issue{Level: LevelError, Code: errors.ErrDeleteFailed, Backend: BackendStructured, Store: info.Name}, func() error {
			return a.delete(ctx, info.Name, r)
		})
	}
	return nil
}

func tableSpecs(store snapshot.StoreExport) []backend.TableSpec {
	specs := make([]backend.TableSpec, 0, len(store.Tables))
	for _, t := range store.Tables {
		spec := backend.TableSpec{Name: t.Name, Known: true}
		switch t.Layout.Kind {
		case snapshot.LayoutKeyPath:
			spec.KeyPath = t.Layout.KeyPath
			spec.AutoIncrement = t.Layout.AutoIncrement
		case snapshot.LayoutAutoKey:
			spec.AutoIncrement = true
		}
		specs = append(specs, spec)
	}
	return specs
}

func replayPayload(store snapshot.StoreExport) []backend.TableRecords {
	out := make([]backend.TableRecords, 0, len(store.Tables))
	for _, t := range store.Tables {
		puts := make([]backend.Put, len(t.Records))
		for i, rec := range t.Records {
			puts[i] = backend.Put{Value: rec.Value}
			if t.Layout.Kind != snapshot.LayoutKeyPath {
				puts[i].Key = rec.Key
			}
		}
		out = append(out, backend.TableRecords{Table: t.Name, Records: puts})
	}
	return out
}
