package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists balances in wallet_balances and history in
// wallet_entries (see migrations/002_wallets.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	bal := &Balance{ActorID: actorID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, updated_at
		FROM wallet_balances WHERE actor_id = $1`, actorID,
	).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{ActorID: actorID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, entry *Entry) (*Balance, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (*Balance, error) {
		bal := &Balance{ActorID: entry.ActorID}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO wallet_balances (actor_id, balance, total_in, total_out, updated_at)
			VALUES ($1, $2, $2, 0, $3)
			ON CONFLICT (actor_id) DO UPDATE SET
				balance    = wallet_balances.balance + EXCLUDED.balance,
				total_in   = wallet_balances.total_in + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at
			RETURNING balance, total_in, total_out, updated_at`,
			entry.ActorID, entry.Amount, entry.CreatedAt,
		).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return bal, insertEntry(ctx, tx, entry, bal.Available)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, entry *Entry) (*Balance, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (*Balance, error) {
		bal := &Balance{ActorID: entry.ActorID}
		// The balance guard in the WHERE clause makes check-and-subtract one statement.
		err := tx.QueryRowContext(ctx, `
			UPDATE wallet_balances SET
				balance    = balance - $2,
				total_out  = total_out + $2,
				updated_at = $3
			WHERE actor_id = $1 AND balance >= $2
			RETURNING balance, total_in, total_out, updated_at`,
			entry.ActorID, entry.Amount, entry.CreatedAt,
		).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		if err != nil {
			return nil, err
		}
		return bal, insertEntry(ctx, tx, entry, bal.Available)
	})
}

func (p *PostgresStore) GetHistory(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor_id, type, amount, balance, reference, description, created_at
		FROM wallet_entries
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		var ref, desc sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &typ, &e.Amount, &e.Balance, &ref, &desc, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.Reference = ref.String
		e.Description = desc.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumBalances(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM wallet_balances`).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumDeposits(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_entries WHERE type = $1`, string(EntryDeposit)).Scan(&total)
	return total, err
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) (*Balance, error)) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	bal, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return bal, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry, balance int64) error {
	e.Balance = balance
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, actor_id, type, amount, balance, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ActorID, string(e.Type), e.Amount, e.Balance,
		nullString(e.Reference), nullString(e.Description), e.CreatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
