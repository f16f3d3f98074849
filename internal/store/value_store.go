package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetValue returns the raw value stored under namespace/key, or ErrNotFound.
func (s *SQLiteStore) GetValue(
	ctx context.Context,
	namespace, key string,
) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM config_values WHERE namespace = ? AND key = ?",
		namespace, key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s/%s: %w", namespace, key, err)
	}

	return value, nil
}

// GetValues returns every key/value pair stored in namespace.
func (s *SQLiteStore) GetValues(
	ctx context.Context,
	namespace string,
) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT key, value FROM config_values WHERE namespace = ?",
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning config row: %w", err)
		}
		values[k] = v
	}

	return values, rows.Err()
}

// SetValue inserts or replaces namespace/key.
func (s *SQLiteStore) SetValue(
	ctx context.Context,
	namespace, key, value string,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_values (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteValue removes namespace/key. Removing an absent key is not an error.
func (s *SQLiteStore) DeleteValue(
	ctx context.Context,
	namespace, key string,
) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM config_values WHERE namespace = ? AND key = ?",
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every key in namespace.
func (s *SQLiteStore) DeleteNamespace(
	ctx context.Context,
	namespace string,
) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM config_values WHERE namespace = ?", namespace)
	if err != nil {
		return fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}
	return nil
}
