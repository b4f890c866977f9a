package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KV is one namespace of the kv table.
type KV struct {
	db        *sql.DB
	namespace string
}

func (k *KV) Keys(ctx context.Context) ([]string, error) {
	rows, err := k.db.QueryContext(ctx, "SELECT key FROM kv WHERE namespace = ? ORDER BY key", k.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (k *KV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := k.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE namespace = ? AND key = ?", k.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: no key %q in %s", key, k.namespace)
	}
	return value, err
}

func (k *KV) Set(ctx context.Context, key, value string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, k.namespace, key, value)
	return err
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ? AND key = ?", k.namespace, key)
	return err
}

func (k *KV) Clear(ctx context.Context) error {
	_, err := k.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ?", k.namespace)
	return err
}
