// Package state captures the whole live environment into a snapshot and
// applies a snapshot back onto it.
package state

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
)

// backupKeyPrefix namespaces emergency backups inside the flat store.
const backupKeyPrefix = ReservedKeyPrefix + "backup:"

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	Structured StructuredOptions

	// SettleDelay separates clearing from repopulating. Default: 100ms.
	SettleDelay time.Duration
}

// OptionsFromConfig maps config values onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Structured: StructuredOptions{
			Reserved:       cfg.ReservedStores,
			OpenTimeout:    cfg.OpenTimeout(),
			DeleteTimeout:  cfg.DeleteTimeout(),
			ImportTimeout:  cfg.ImportTimeout(),
			Attempts:       cfg.ImportAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay(),
		},
		SettleDelay: cfg.SettleDelay(),
	}
}

// Manager is the only component that mutates live state wholesale.
type Manager struct {
	flat       *KVAdapter
	pair       *KVAdapter
	structured *StructuredAdapter

	settle time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	log    zerolog.Logger
}

// NewManager builds a manager over the live environment.
func NewManager(live backend.Live, opts Options, log zerolog.Logger) *Manager {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 100 * time.Millisecond
	}
	sleep := opts.Structured.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Manager{
		flat:       NewKVAdapter(live.Flat, BackendFlat, log),
		pair:       NewKVAdapter(live.Pair, BackendPair, log),
		structured: NewStructuredAdapter(live.Structured, opts.Structured, log),
		settle:     opts.SettleDelay,
		sleep:      sleep,
		log:        log,
	}
}

// CaptureResult is a captured snapshot plus what degraded while reading it.
type CaptureResult struct {
	Snapshot *snapshot.Snapshot
	Report   *Report
}

// CaptureCurrentState reads all three backends concurrently into a new
// snapshot. Per-key, per-table and per-store failures land in the report.
// A non-nil error means a whole backend could not be read; the result is
// still returned with whatever was captured.
func (m *Manager) CaptureCurrentState(ctx context.Context) (*CaptureResult, error) {
	r := &Report{}
	snap := snapshot.Empty()

	var flatErr, pairErr, structErr error
	fanOut(
		func() { snap.FlatEntries, flatErr = m.flat.GetAll(ctx, r) },
		func() { snap.PairEntries, pairErr = m.pair.GetAll(ctx, r) },
		func() { snap.StructuredStores, structErr = m.structured.Export(ctx, r) },
	)

	id, err := snapshot.NewID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	snap.ID = id
	snap.CapturedAt = time.Now().UTC()

	res := &CaptureResult{Snapshot: snap, Report: r}
	if err := m.backendFailure(r, "capture", map[string]error{BackendFlat: flatErr, BackendPair: pairErr, BackendStructured: structErr}); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, errors.NewCancelled("capture")
	}

	m.log.Debug().
		Str("snapshot", snap.ID).
		Int("flat", len(snap.FlatEntries)).
		Int("pair", len(snap.PairEntries)).
		Int("stores", len(snap.StructuredStores)).
		Int("issues", len(r.Issues())).
		Msg("captured live state")
	return res, nil
}

// ApplyState replaces live state with snap: clear all three backends
// concurrently, wait the settle delay, then populate all three
// concurrently. Nothing is rolled back. The report lists every degraded
// step; an error means at least one whole backend failed.
func (m *Manager) ApplyState(ctx context.Context, snap *snapshot.Snapshot) (*Report, error) {
	if snap == nil {
		return nil, errors.NewInvalidSnapshot("snapshot is nil")
	}
	snap = snap.Clone()

	r, clearErr := m.clear(ctx)

	if err := m.sleep(ctx, m.settle); err != nil {
		return r, errors.NewCancelled("apply")
	}

	fanOut(
		func() { m.flat.SetAll(ctx, snap.FlatEntries, r) },
		func() { m.pair.SetAll(ctx, snap.PairEntries, r) },
		func() { m.structured.Import(ctx, snap.StructuredStores, r) },
	)

	m.log.Debug().
		Str("snapshot", snap.ID).
		Int("errors", len(r.Errors())).
		Int("warnings", len(r.Warnings())).
		Msg("applied snapshot")

	if clearErr != nil {
		return r, clearErr
	}
	if err := ctx.Err(); err != nil {
		return r, errors.NewCancelled("apply")
	}
	return r, nil
}

// Clear empties all three backends concurrently. Clearing twice leaves the
// same state as clearing once.
func (m *Manager) Clear(ctx context.Context) (*Report, error) {
	return m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) (*Report, error) {
	r := &Report{}
	var flatErr, pairErr, structErr error
	fanOut(
		func() { flatErr = m.flat.ClearAll(ctx, r) },
		func() { pairErr = m.pair.ClearAll(ctx, r) },
		func() { structErr = m.structured.ClearAll(ctx, r) },
	)
	return r, m.backendFailure(r, "clear", map[string]error{BackendFlat: flatErr, BackendPair: pairErr, BackendStructured: structErr})
}

// backendFailure records whole-backend failures and folds them into one error.
func (m *Manager) backendFailure(r *Report, op string, errs map[string]error) error {
	var failed []string
	var causes []error
	for _, name := range []string{BackendFlat, BackendPair, BackendStructured} {
		err := errs[name]
		if err == nil {
			continue
		}
		r.Add(Issue{Level: LevelError, Code: codeOr(err, errors.ErrBackendFailed), Backend: name, Err: err})
		m.log.Error().Str("backend", name).Str("op", op).Err(err).Msg("backend unusable")
		failed = append(failed, name)
		causes = append(causes, err)
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.NewStorage(errors.ErrBackendFailed, fmt.Sprintf("%s: %s backend unusable", op, strings.Join(failed, ", ")), stderrors.Join(causes...))
}

// EmergencyBackup is the flat and pair state saved for one identity.
type EmergencyBackup struct {
	Identity    string            `json:"identity"`
	SavedAt     time.Time         `json:"saved_at"`
	FlatEntries map[string]string `json:"flat_entries"`
	PairEntries map[string]string `json:"pair_entries"`
}

// BackupKey returns the flat-store key holding identity's emergency backup.
func BackupKey(identity string) string {
	return backupKeyPrefix + identity
}

// EmergencySave writes the flat and pair stores into the flat store under
// identity's backup key, without touching structured stores. It reports
// false on any failure and never panics.
func (m *Manager) EmergencySave(ctx context.Context, identity string) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Interface("panic", p).Str("identity", identity).Msg("emergency save panicked")
			ok = false
		}
	}()

	r := &Report{}
	flat, err := m.flat.GetAll(ctx, r)
	if err != nil {
		m.log.Error().Err(err).Str("identity", identity).Msg("emergency save: read flat store")
		return false
	}
	pair, err := m.pair.GetAll(ctx, r)
	if err != nil {
		m.log.Error().Err(err).Str("identity", identity).Msg("emergency save: read pair store")
		return false
	}

	data, err := json.Marshal(EmergencyBackup{
		Identity:    identity,
		SavedAt:     time.Now().UTC(),
		FlatEntries: flat,
		PairEntries: pair,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("emergency save: encode")
		return false
	}
	if err := m.flat.kv.Set(ctx, BackupKey(identity), string(data)); err != nil {
		m.log.Error().Err(err).Str("identity", identity).Msg("emergency save: write backup")
		return false
	}
	if n := len(r.Issues()); n > 0 {
		m.log.Warn().Int("issues", n).Str("identity", identity).Msg("emergency save skipped unreadable keys")
	}
	return true
}

// LoadEmergencyBackup returns identity's backup, or nil when there is none.
func (m *Manager) LoadEmergencyBackup(ctx context.Context, identity string) (*EmergencyBackup, error) {
	raw, found, err := m.flat.getRaw(ctx, BackupKey(identity))
	if err != nil {
		return nil, errors.NewStorage(errors.ErrKeyReadFailed, "read emergency backup", err)
	}
	if !found {
		return nil, nil
	}
	var b EmergencyBackup
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, errors.NewInvalidSnapshot(fmt.Sprintf("corrupt emergency backup for %s: %v", identity, err))
	}
	if b.FlatEntries == nil {
		b.FlatEntries = map[string]string{}
	}
	if b.PairEntries == nil {
		b.PairEntries = map[string]string{}
	}
	return &b, nil
}

// DiscardEmergencyBackup removes identity's backup; a missing backup is not an error.
func (m *Manager) DiscardEmergencyBackup(ctx context.Context, identity string) error {
	if err := m.flat.kv.Delete(ctx, BackupKey(identity)); err != nil {
		return errors.NewStorage(errors.ErrKeyWriteFailed, "discard emergency backup", err)
	}
	return nil
}
