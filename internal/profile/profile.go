// Package profile owns which identity is active and the protocol for
// switching between identities.
package profile

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

// ActiveSettingKey is the settings row holding the active identity name.
const ActiveSettingKey = "active_identity"

// Orchestrator is the single owner of the active identity. Transitions are
// serialized; reads of the active name never block on a transition.
type Orchestrator struct {
	mu  sync.Mutex
	reg *registry.Registry
	mgr *state.Manager
	log zerolog.Logger

	activeMu sync.RWMutex
	active   string
}

// Open restores the persisted active identity if it is still registered and
// clears the pointer otherwise. An emergency backup left for the restored
// identity is folded into its stored snapshot.
func Open(ctx context.Context, reg *registry.Registry, mgr *state.Manager, log zerolog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		reg: reg,
		mgr: mgr,
		log: log.With().Str("component", "profile").Logger(),
	}

	name, ok, err := db.GetSetting(reg.DB(), ActiveSettingKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o, nil
	}

	exists, err := reg.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		o.log.Warn().Str("identity", name).Msg("active identity no longer registered, clearing pointer")
		if err := db.DeleteSetting(reg.DB(), ActiveSettingKey); err != nil {
			return nil, err
		}
		return o, nil
	}

	o.setActive(name)
	o.recoverBackup(ctx, name)
	return o, nil
}

// recoverBackup merges an emergency backup into name's stored snapshot and
// discards it. Failures are logged; the backup stays for the next attempt.
func (o *Orchestrator) recoverBackup(ctx context.Context, name string) {
	backup, err := o.mgr.LoadEmergencyBackup(ctx, name)
	if err != nil {
		o.log.Error().Err(err).Str("identity", name).Msg("read emergency backup")
		return
	}
	if backup == nil {
		return
	}

	id, err := o.reg.Get(ctx, name)
	if err != nil || id == nil {
		o.log.Error().Err(err).Str("identity", name).Msg("load identity for emergency backup")
		return
	}
	snap := id.Snapshot.Clone()
	for k, v := range backup.FlatEntries {
		snap.FlatEntries[k] = v
	}
	for k, v := range backup.PairEntries {
		snap.PairEntries[k] = v
	}
	if !backup.SavedAt.IsZero() {
		snap.CapturedAt = backup.SavedAt
	}
	if err := o.reg.Save(ctx, name, snap); err != nil {
		o.log.Error().Err(err).Str("identity", name).Msg("save emergency backup")
		return
	}
	if err := o.mgr.DiscardEmergencyBackup(ctx, name); err != nil {
		o.log.Warn().Err(err).Str("identity", name).Msg("discard emergency backup")
		return
	}
	o.log.Info().Str("identity", name).Time("saved_at", backup.SavedAt).Msg("recovered emergency backup")
}

// GetActive returns the active identity name, or "" when none is active.
func (o *Orchestrator) GetActive() string {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	return o.active
}

func (o *Orchestrator) setActive(name string) {
	o.activeMu.Lock()
	o.active = name
	o.activeMu.Unlock()
}

// persistActive records name as active, or clears the pointer for "".
func (o *Orchestrator) persistActive(name string) error {
	o.setActive(name)
	if name == "" {
		return db.DeleteSetting(o.reg.DB(), ActiveSettingKey)
	}
	return db.SetSetting(o.reg.DB(), ActiveSettingKey, name)
}

// ListIdentities returns every registered name.
func (o *Orchestrator) ListIdentities(ctx context.Context) ([]string, error) {
	return o.reg.Names(ctx)
}

// List returns a summary of every identity in creation order.
func (o *Orchestrator) List(ctx context.Context) ([]registry.Summary, error) {
	return o.reg.List(ctx)
}

// Inspect returns name's stored snapshot. With an empty name it captures
// live state instead, without saving it anywhere.
func (o *Orchestrator) Inspect(ctx context.Context, name string) (*snapshot.Snapshot, *state.Report, error) {
	if name != "" {
		id, err := o.reg.Get(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if id == nil {
			return nil, nil, errors.NewNotFound(name)
		}
		return id.Snapshot, nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	res, err := o.mgr.CaptureCurrentState(ctx)
	if res == nil {
		return nil, nil, err
	}
	return res.Snapshot, res.Report, err
}

// Create registers name, either empty or holding the current live state.
// When no identity is active the new one becomes active without touching
// live state, so the next save or switch stores what is live now.
func (o *Orchestrator) Create(ctx context.Context, name string, fromCurrent bool, opts registry.CreateOptions) (*registry.Identity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		id  *registry.Identity
		err error
	)
	if fromCurrent {
		res, cerr := o.mgr.CaptureCurrentState(ctx)
		if cerr != nil {
			return nil, cerr
		}
		id, err = o.reg.CreateWithData(ctx, name, res.Snapshot, opts)
	} else {
		id, err = o.reg.Create(ctx, name, opts)
	}
	if err != nil {
		return nil, err
	}

	if o.GetActive() == "" {
		if err := o.persistActive(name); err != nil {
			return nil, err
		}
		o.log.Info().Str("identity", name).Msg("identity claimed the live environment")
	}
	return id, nil
}

// Save captures live state into the active identity.
func (o *Orchestrator) Save(ctx context.Context) (*state.Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := o.GetActive()
	if active == "" {
		return nil, errors.NewInvalidRequest("no active identity")
	}
	res, err := o.mgr.CaptureCurrentState(ctx)
	if err != nil {
		var r *state.Report
		if res != nil {
			r = res.Report
		}
		return r, err
	}
	if err := o.reg.Save(ctx, active, res.Snapshot); err != nil {
		return res.Report, err
	}
	return res.Report, nil
}

// Delete removes name; the active identity cannot be deleted.
func (o *Orchestrator) Delete(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reg.Delete(ctx, name, o.GetActive())
}

// Rename renames an identity, moving the active pointer along with it.
func (o *Orchestrator) Rename(ctx context.Context, oldName, newName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.reg.Rename(ctx, oldName, newName); err != nil {
		return err
	}
	if o.GetActive() == oldName {
		return o.persistActive(newName)
	}
	return nil
}

// EmergencySave stores the active identity's flat and pair state inside
// the live flat store. It does not wait for a running transition and
// reports false when nothing is active or the save fails.
func (o *Orchestrator) EmergencySave(ctx context.Context) bool {
	active := o.GetActive()
	if active == "" {
		return false
	}
	return o.mgr.EmergencySave(ctx, active)
}

// Clear empties live state and leaves no identity active. Nothing is saved.
func (o *Orchestrator) Clear(ctx context.Context) (*state.Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, err := o.mgr.Clear(ctx)
	if perr := o.persistActive(""); perr != nil && err == nil {
		err = perr
	}
	return r, err
}

// DB returns the registry's database, for export and import.
func (o *Orchestrator) DB() *sql.DB {
	return o.reg.DB()
}
