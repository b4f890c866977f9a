package profile

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/backend/memory"
	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

type fixture struct {
	reg  *registry.Registry
	mgr  *state.Manager
	flat *memory.KV
	pair *memory.KV
	sdb  *memory.Structured
}

func newFixture(t *testing.T, maxProfiles int) *fixture {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.MaxProfiles = maxProfiles

	f := &fixture{
		reg:  registry.New(database, cfg, zerolog.Nop()),
		flat: memory.NewKV(),
		pair: memory.NewKV(),
		sdb:  memory.NewStructured(),
	}
	f.mgr = state.NewManager(backend.Live{Flat: f.flat, Pair: f.pair, Structured: f.sdb}, state.Options{
		Structured:  state.StructuredOptions{RetryBaseDelay: time.Millisecond},
		SettleDelay: time.Millisecond,
	}, zerolog.Nop())
	return f
}

func (f *fixture) open(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := Open(context.Background(), f.reg, f.mgr, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func TestSwitch_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "work", o.GetActive())

	require.NoError(t, f.flat.Set(ctx, "k", "v"))

	res, err := o.SwitchTo(ctx, "personal", SwitchOptions{CreateMissing: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Saved)
	assert.Equal(t, "work", res.From)
	assert.Equal(t, "personal", o.GetActive())
	assert.Empty(t, f.flat.Entries())

	_, err = o.SwitchTo(ctx, "work", SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, f.flat.Entries())
	assert.Equal(t, "work", o.GetActive())

	names, err := o.ListIdentities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, names)
}

func TestSwitch_NotFound(t *testing.T) {
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.SwitchTo(context.Background(), "nobody", SwitchOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "", o.GetActive())
}

func TestSwitch_CreateMissingRespectsLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)

	_, err = o.SwitchTo(ctx, "personal", SwitchOptions{CreateMissing: true})
	assert.True(t, errors.Is(err, errors.ErrLimitReached))
	assert.Equal(t, "work", o.GetActive())

	_, err = o.SwitchTo(ctx, "personal", SwitchOptions{
		CreateMissing: true,
		Create:        registry.CreateOptions{Override: func(int, int) bool { return true }},
	})
	require.NoError(t, err)
	assert.Equal(t, "personal", o.GetActive())
}

func TestSwitch_SkipSavingCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.Create(ctx, "personal", false, registry.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.flat.Set(ctx, "draft", "unsaved"))
	res, err := o.SwitchTo(ctx, "personal", SwitchOptions{SkipSavingCurrent: true})
	require.NoError(t, err)
	assert.False(t, res.Saved)

	work, err := f.reg.Get(ctx, "work")
	require.NoError(t, err)
	assert.True(t, work.Snapshot.IsEmpty())
}

// failingKeys fails the next n key listings, then behaves like KV.
type failingKeys struct {
	*memory.KV
	mu sync.Mutex
	n  int
}

func (k *failingKeys) Keys(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	fail := k.n > 0
	if fail {
		k.n--
	}
	k.mu.Unlock()
	if fail {
		return nil, stderrors.New("storage disabled")
	}
	return k.KV.Keys(ctx)
}

func (k *failingKeys) failNext(n int) {
	k.mu.Lock()
	k.n = n
	k.mu.Unlock()
}

func TestSwitch_OutgoingSaveFailureDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	pair := &failingKeys{KV: f.pair}
	f.mgr = state.NewManager(backend.Live{Flat: f.flat, Pair: pair, Structured: f.sdb}, state.Options{
		Structured:  state.StructuredOptions{RetryBaseDelay: time.Millisecond},
		SettleDelay: time.Millisecond,
	}, zerolog.Nop())
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.Create(ctx, "personal", false, registry.CreateOptions{})
	require.NoError(t, err)

	// Capturing the pair store fails once; clearing and writing still work.
	pair.failNext(1)

	res, err := o.SwitchTo(ctx, "personal", SwitchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.NotEmpty(t, res.SaveError)
	assert.Equal(t, "personal", o.GetActive())
}

func TestSwitch_UnlistableStoreIsNotCleared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.Create(ctx, "personal", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.pair.Set(ctx, "tab", "3"))

	f.pair.KeysErr = stderrors.New("storage disabled")
	_, err = o.SwitchTo(ctx, "personal", SwitchOptions{SkipSavingCurrent: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendFailed))
	assert.Equal(t, "", o.GetActive())
	assert.Equal(t, map[string]string{"tab": "3"}, f.pair.Entries())
}

func TestSwitch_ApplyFailureLeavesNothingActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.Create(ctx, "personal", false, registry.CreateOptions{})
	require.NoError(t, err)

	f.flat.ClearErr = stderrors.New("locked")
	_, err = o.SwitchTo(ctx, "personal", SwitchOptions{SkipSavingCurrent: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendFailed))
	assert.Equal(t, "", o.GetActive())

	_, ok, err := db.GetSetting(f.reg.DB(), ActiveSettingKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwitch_Serialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := o.Create(ctx, name, false, registry.CreateOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.SwitchTo(ctx, name, SwitchOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Contains(t, []string{"a", "b", "c"}, o.GetActive())
}

func TestOpen_RestoresPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.SwitchTo(ctx, "personal", SwitchOptions{CreateMissing: true})
	require.NoError(t, err)

	reopened := f.open(t)
	assert.Equal(t, "personal", reopened.GetActive())
}

func TestOpen_ClearsDanglingPointer(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, db.SetSetting(f.reg.DB(), ActiveSettingKey, "ghost"))

	o := f.open(t)
	assert.Equal(t, "", o.GetActive())

	_, ok, err := db.GetSetting(f.reg.DB(), ActiveSettingKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_FoldsEmergencyBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.flat.Set(ctx, "theme", "dark"))
	require.NoError(t, f.pair.Set(ctx, "tab", "2"))
	require.True(t, o.EmergencySave(ctx))

	reopened := f.open(t)
	assert.Equal(t, "work", reopened.GetActive())

	work, err := f.reg.Get(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "dark", work.Snapshot.FlatEntries["theme"])
	assert.Equal(t, "2", work.Snapshot.PairEntries["tab"])

	backup, err := f.mgr.LoadEmergencyBackup(ctx, "work")
	require.NoError(t, err)
	assert.Nil(t, backup)
}

func TestEmergencySave_NoActive(t *testing.T) {
	f := newFixture(t, 10)
	o := f.open(t)
	assert.False(t, o.EmergencySave(context.Background()))
}

func TestDelete_ActiveProtected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	_, err = o.Create(ctx, "personal", false, registry.CreateOptions{})
	require.NoError(t, err)

	err = o.Delete(ctx, "work")
	assert.True(t, errors.Is(err, errors.ErrCannotDeleteActive))

	require.NoError(t, o.Delete(ctx, "personal"))
}

func TestCreate_FromCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	require.NoError(t, f.flat.Set(ctx, "k", "v"))
	id, err := o.Create(ctx, "snapshot", true, registry.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v", id.Snapshot.FlatEntries["k"])
}

func TestSave_RequiresActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Save(ctx)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.flat.Set(ctx, "k", "v"))

	report, err := o.Save(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())

	work, err := f.reg.Get(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "v", work.Snapshot.FlatEntries["k"])
}

func TestRename_MovesPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, o.Rename(ctx, "work", "office"))
	assert.Equal(t, "office", o.GetActive())

	value, ok, err := db.GetSetting(f.reg.DB(), ActiveSettingKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "office", value)
}

func TestClear_DropsActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.flat.Set(ctx, "k", "v"))

	_, err = o.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", o.GetActive())
	assert.Empty(t, f.flat.Entries())
}

func TestInspect_StoredAndLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	_, err := o.Create(ctx, "work", false, registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.flat.Set(ctx, "k", "v"))

	stored, r, err := o.Inspect(ctx, "work")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Empty(t, stored.FlatEntries, "nothing saved yet")

	live, r, err := o.Inspect(ctx, "")
	require.NoError(t, err)
	assert.True(t, r.Complete())
	assert.Equal(t, "v", live.FlatEntries["k"])

	_, _, err = o.Inspect(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestList_CreationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.open(t)

	for _, name := range []string{"b", "a", "c"} {
		_, err := o.Create(ctx, name, false, registry.CreateOptions{})
		require.NoError(t, err)
	}

	list, err := o.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].Name)
	assert.Equal(t, "a", list[1].Name)
	assert.Equal(t, "c", list[2].Name)
}
