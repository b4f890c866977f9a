// Package registry is the durable directory of named identities and their
// stored snapshots.
package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
)

// MaxNameLength is the longest identity name accepted, in characters.
const MaxNameLength = 128

// Registry stores identities in the profiles database.
type Registry struct {
	db             *sql.DB
	maxProfiles    int
	allowOverLimit bool
	log            zerolog.Logger
}

// New returns a registry over an initialized profiles database.
func New(database *sql.DB, cfg *config.Config, log zerolog.Logger) *Registry {
	return &Registry{
		db:             database,
		maxProfiles:    cfg.MaxProfiles,
		allowOverLimit: cfg.AllowOverLimit,
		log:            log.With().Str("component", "registry").Logger(),
	}
}

// DB returns the underlying database.
func (r *Registry) DB() *sql.DB {
	return r.db
}

// Identity is a registered identity with its stored snapshot.
type Identity struct {
	Name      string             `json:"name"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Snapshot  *snapshot.Snapshot `json:"snapshot"`
}

// Summary describes an identity without its snapshot.
type Summary struct {
	Name       string    `json:"name"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateOptions controls the identity limit for one create.
type CreateOptions struct {
	// Override is consulted when the registry is full. Returning true lets
	// the create go ahead anyway.
	Override func(count, max int) bool
}

// ValidateName checks an identity name. Names are case-sensitive and stored
// verbatim; they must not be blank, exceed MaxNameLength characters, or
// contain control characters.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewInvalidName(name, "must not be empty")
	}
	if !utf8.ValidString(name) {
		return errors.NewInvalidName(name, "must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return errors.NewInvalidName(name, "must be at most 128 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.NewInvalidName(name, "must not contain control characters")
		}
	}
	return nil
}

// Create registers name with an empty snapshot.
func (r *Registry) Create(ctx context.Context, name string, opts CreateOptions) (*Identity, error) {
	return r.CreateWithData(ctx, name, snapshot.Empty(), opts)
}

// CreateWithData registers name with snap. The limit check and the insert
// run in one transaction.
func (r *Registry) CreateWithData(ctx context.Context, name string, snap *snapshot.Snapshot, opts CreateOptions) (*Identity, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if snap == nil {
		snap = snapshot.Empty()
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	exists, err := db.IdentityExists(tx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.NewAlreadyExists(name)
	}

	count, err := db.CountIdentities(tx)
	if err != nil {
		return nil, err
	}
	if r.maxProfiles > 0 && count >= r.maxProfiles && !r.overLimitAllowed(count, opts) {
		return nil, errors.NewLimitReached(r.maxProfiles)
	}

	row := &db.Identity{Name: name, SnapshotID: snap.ID, SnapshotJSON: data}
	if err := db.InsertIdentity(tx, row); err != nil {
		if errors.Is(err, db.ErrUniqueConstraint.Code) {
			return nil, errors.NewAlreadyExists(name)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}

	r.log.Info().Str("identity", name).Int("count", count+1).Msg("identity created")
	return &Identity{
		Name:      name,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC(),
		Snapshot:  snap.Clone(),
	}, nil
}

func (r *Registry) overLimitAllowed(count int, opts CreateOptions) bool {
	if r.allowOverLimit {
		return true
	}
	return opts.Override != nil && opts.Override(count, r.maxProfiles)
}

// Save overwrites the stored snapshot of an existing identity.
func (r *Registry) Save(ctx context.Context, name string, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("save")
	}
	if snap == nil {
		return errors.NewInvalidSnapshot("snapshot is nil")
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	if err := db.UpdateIdentitySnapshot(r.db, name, snap.ID, data); err != nil {
		return err
	}
	r.log.Debug().Str("identity", name).Str("snapshot", snap.ID).Msg("identity saved")
	return nil
}

// Delete removes name. The active identity can never be deleted, whether
// or not it is registered.
func (r *Registry) Delete(ctx context.Context, name, active string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("delete")
	}
	if active != "" && name == active {
		return errors.NewCannotDeleteActive(name)
	}
	if err := db.DeleteIdentity(r.db, name); err != nil {
		return err
	}
	r.log.Info().Str("identity", name).Msg("identity deleted")
	return nil
}

// Rename changes an identity's name, keeping its snapshot and creation time.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("rename")
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	if err := db.RenameIdentity(r.db, oldName, newName); err != nil {
		if errors.Is(err, db.ErrUniqueConstraint.Code) {
			return errors.NewAlreadyExists(newName)
		}
		return err
	}
	r.log.Info().Str("from", oldName).Str("to", newName).Msg("identity renamed")
	return nil
}

// List returns every identity ordered by creation time, then insertion order.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("list")
	}
	rows, err := db.ListIdentities(r.db)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{
			Name:       row.Name,
			SnapshotID: row.SnapshotID,
			CreatedAt:  time.Unix(row.CreatedAt, 0).UTC(),
			UpdatedAt:  time.Unix(row.UpdatedAt, 0).UTC(),
		})
	}
	return out, nil
}

// Names returns every identity name in List order.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	return names, nil
}

// Count returns the number of registered identities.
func (r *Registry) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewCancelled("count")
	}
	return db.CountIdentities(r.db)
}

// Exists reports whether name is registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.NewCancelled("exists")
	}
	return db.IdentityExists(r.db, name)
}

// Get returns the identity, or nil without error when name is not registered.
func (r *Registry) Get(ctx context.Context, name string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("get")
	}
	row, err := db.GetIdentity(r.db, name)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Decode(row.SnapshotJSON)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Name:      row.Name,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC(),
		Snapshot:  snap,
	}, nil
}
