package txstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// PostgresStore persists records in the kv_records table
// (see migrations/001_kv_records.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (Item, error) {
	item := Item{Key: key}
	err := p.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_records WHERE key = $1`, key,
	).Scan(&item.Value, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (p *PostgresStore) Create(ctx context.Context, key string, value []byte) (Item, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key) DO NOTHING`, key, value)
	if err != nil {
		return Item{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Item{}, err
	}
	if rows == 0 {
		return Item{}, ErrExists
	}
	return Item{Key: key, Value: clone(value), Version: 1}, nil
}

func (p *PostgresStore) CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (Item, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE kv_records
		SET value = $1, version = version + 1, updated_at = NOW()
		WHERE key = $2 AND version = $3
		RETURNING version`, value, key, expected,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing key from a stale version.
		exists, existsErr := p.Exists(ctx, key)
		if existsErr != nil {
			return Item{}, existsErr
		}
		if !exists {
			return Item{}, ErrNotFound
		}
		return Item{}, ErrConflict
	}
	if err != nil {
		return Item{}, err
	}
	return Item{Key: key, Value: clone(value), Version: next}, nil
}

func (p *PostgresStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key) DO NOTHING`, key, value)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM kv_records WHERE key = $1)`, key,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Scan(ctx context.Context, prefix string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value, version
		FROM kv_records
		WHERE key LIKE $1
		ORDER BY key
		LIMIT $2`, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Key, &item.Value, &item.Version); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (p *PostgresStore) Close() error {
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
