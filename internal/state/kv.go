package state

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

// ReservedKeyPrefix marks engine bookkeeping keys in the flat store. They
// are never captured, never overwritten by a snapshot and survive ClearAll.
const ReservedKeyPrefix = "__daydream:"

// KVAdapter reads, writes and clears a whole flat or pair store. It never
// retries: these stores are local and a failing key stays failed.
type KVAdapter struct {
	kv   backend.KV
	name string
	log  zerolog.Logger
}

// NewKVAdapter wraps kv; name is the backend name used in issues.
func NewKVAdapter(kv backend.KV, name string, log zerolog.Logger) *KVAdapter {
	return &KVAdapter{kv: kv, name: name, log: log.With().Str("backend", name).Logger()}
}

func reserved(key string) bool {
	return strings.HasPrefix(key, ReservedKeyPrefix)
}

// skipReserved reports an application key that collides with the reserved
// prefix. Emergency backups are skipped silently.
func (a *KVAdapter) skipReserved(r *Report, code errors.ErrorCode, key string) {
	if strings.HasPrefix(key, backupKeyPrefix) {
		return
	}
	r.Add(Issue{Level: LevelWarning, Code: code, Backend: a.name, Key: key, Message: "reserved key skipped"})
	a.log.Warn().Str("key", key).Msg("reserved key skipped")
}

// GetAll returns every non-reserved entry. A key that cannot be read is
// omitted and reported; only a failure to enumerate keys is returned.
func (a *KVAdapter) GetAll(ctx context.Context, r *Report) (map[string]string, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		return map[string]string{}, errors.NewStorage(errors.ErrBackendFailed, "list "+a.name+" keys", err)
	}

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if reserved(key) {
			a.skipReserved(r, errors.ErrKeyReadFailed, key)
			continue
		}
		collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrKeyReadFailed, Backend: a.name, Key: key}, func() error {
			v, err := a.kv.Get(ctx, key)
			if err != nil {
				return err
			}
			out[key] = v
			return nil
		})
	}
	return out, nil
}

// SetAll writes every entry. Failed keys are reported and the rest still
// written. Reserved keys in entries are skipped and reported.
func (a *KVAdapter) SetAll(ctx context.Context, entries map[string]string, r *Report) {
	for key, value := range entries {
		if reserved(key) {
			a.skipReserved(r, errors.ErrKeyWriteFailed, key)
			continue
		}
		collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrKeyWriteFailed, Backend: a.name, Key: key}, func() error {
			return a.kv.Set(ctx, key, value)
		})
	}
}

// ClearAll empties the store with one bulk clear. Reserved entries are
// read beforehand and written back afterwards. When they cannot be listed
// nothing is cleared.
func (a *KVAdapter) ClearAll(ctx context.Context, r *Report) error {
	kept, err := a.reservedEntries(ctx, r)
	if err != nil {
		return err
	}

	if err := a.kv.Clear(ctx); err != nil {
		return errors.NewStorage(errors.ErrBackendFailed, "clear "+a.name+" store", err)
	}

	for key, value := range kept {
		collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrKeyWriteFailed, Backend: a.name, Key: key}, func() error {
			return a.kv.Set(ctx, key, value)
		})
	}
	return nil
}

func (a *KVAdapter) reservedEntries(ctx context.Context, r *Report) (map[string]string, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		return nil, errors.NewStorage(errors.ErrBackendFailed, "list "+a.name+" keys before clear", err)
	}
	kept := make(map[string]string)
	for _, key := range keys {
		if !reserved(key) {
			continue
		}
		collect(r, a.log, Issue{Level: LevelWarning, Code: errors.ErrKeyReadFailed, Backend: a.name, Key: key}, func() error {
			v, err := a.kv.Get(ctx, key)
			if err != nil {
				return err
			}
			kept[key] = v
			return nil
		})
	}
	return kept, nil
}

// getRaw reads one key, reserved or not.
func (a *KVAdapter) getRaw(ctx context.Context, key string) (string, bool, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		return "", false, err
	}
	for _, k := range keys {
		if k == key {
			v, err := a.kv.Get(ctx, key)
			if err != nil {
				return "", false, err
			}
			return v, true, nil
		}
	}
	return "", false, nil
}
