package db

import (
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.ProfileError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Identity is one row of the identities table.
type Identity struct {
	Name         string
	SnapshotID   string
	SnapshotJSON []byte
	CreatedAt    int64
	UpdatedAt    int64
}

// IdentitySummary is an identity without its snapshot payload.
type IdentitySummary struct {
	Name       string
	SnapshotID string
	CreatedAt  int64
	UpdatedAt  int64
}

// InsertIdentity stores a new identity. CreatedAt/UpdatedAt default to now.
func InsertIdentity(q Querier, row *Identity) error {
	now := time.Now().Unix()
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = row.CreatedAt
	}

	query := `
		INSERT INTO identities (name, snapshot_id, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := q.Exec(query, row.Name, row.SnapshotID, string(row.SnapshotJSON), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// IsUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CountIdentities returns the number of registered identities.
func CountIdentities(q Querier) (int, error) {
	var n int
	if err := q.QueryRow("SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// IdentityExists reports whether name is registered.
func IdentityExists(q Querier, name string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM identities WHERE name = ?", name).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return true, nil
}

// GetIdentity retrieves an identity by exact name.
func GetIdentity(q Querier, name string) (*Identity, error) {
	query := `
		SELECT name, snapshot_id, snapshot_json, created_at, updated_at
		FROM identities
		WHERE name = ?
	`
	var (
		row  Identity
		data string
	)
	err := q.QueryRow(query, name).Scan(&row.Name, &row.SnapshotID, &data, &row.CreatedAt, &row.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound(name)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	row.SnapshotJSON = []byte(data)
	return &row, nil
}

// UpdateIdentitySnapshot overwrites an identity's snapshot and bumps updated_at.
func UpdateIdentitySnapshot(q Querier, name, snapshotID string, data []byte) error {
	now := time.Now().Unix()

	query := `
		UPDATE identities
		SET snapshot_id = ?, snapshot_json = ?, updated_at = ?
		WHERE name = ?
	`
	result, err := q.Exec(query, snapshotID, string(data), now, name)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(result, name)
}

// DeleteIdentity removes an identity.
func DeleteIdentity(q Querier, name string) error {
	result, err := q.Exec("DELETE FROM identities WHERE name = ?", name)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(result, name)
}

// RenameIdentity changes an identity's name, keeping its snapshot and created_at.
func RenameIdentity(q Querier, oldName, newName string) error {
	now := time.Now().Unix()
	result, err := q.Exec("UPDATE identities SET name = ?, updated_at = ? WHERE name = ?", newName, now, oldName)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return requireRow(result, oldName)
}

// ListIdentities returns all identities ordered by creation time, then insertion order.
func ListIdentities(q Querier) ([]IdentitySummary, error) {
	rows, err := q.Query(`
		SELECT name, snapshot_id, created_at, updated_at
		FROM identities
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []IdentitySummary{}
	for rows.Next() {
		var s IdentitySummary
		if err := rows.Scan(&s.Name, &s.SnapshotID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// GetSetting returns a setting value; ok is false when unset.
func GetSetting(q Querier, key string) (value string, ok bool, err error) {
	err = q.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewInternal(err)
	}
	return value, true, nil
}

// SetSetting upserts a setting.
func SetSetting(q Querier, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteSetting removes a setting; removing an unset key is not an error.
func DeleteSetting(q Querier, key string) error {
	if _, err := q.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func requireRow(result sql.Result, name string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(name)
	}
	return nil
}
