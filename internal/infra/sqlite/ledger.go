package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/careerkit/tokens/internal/domain"
)

const nextVersion = `(SELECT COALESCE(MAX(version), 0) + 1 FROM balances)`

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// ─── Balance Operations ─────────────────────────────────────────────────────

// Get returns the stored balance for an account.
func (db *DB) Get(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := db.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account_id = ?`, accountID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return balance, nil
}

// Set overwrites an account's balance.
func (db *DB) Set(ctx context.Context, accountID string, balance int64) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO balances (account_id, balance, version, updated_at)
		VALUES (?, ?, `+nextVersion+`, datetime('now'))
		ON CONFLICT(account_id) DO UPDATE SET
			balance    = excluded.balance,
			version    = excluded.version,
			updated_at = datetime('now')
	`, accountID, balance)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// InitializeIfAbsent inserts the balance and seed entry in one transaction
// unless the account already exists.
func (db *DB) InitializeIfAbsent(ctx context.Context, accountID string, initial int64, seed domain.LedgerEntry) (int64, bool, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, unavailable(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO balances (account_id, balance, version, updated_at)
		VALUES (?, ?, `+nextVersion+`, datetime('now'))
	`, accountID, initial)
	if err != nil {
		return 0, false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, unavailable(err)
	}

	if n == 0 {
		var balance int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM balances WHERE account_id = ?`, accountID,
		).Scan(&balance); err != nil {
			return 0, false, unavailable(err)
		}
		return balance, false, nil
	}

	if err := insertEntry(ctx, tx, seed); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, unavailable(err)
	}
	return initial, true, nil
}

// CompareAndSwap updates the balance and appends entry iff the stored
// balance still equals expected.
func (db *DB) CompareAndSwap(ctx context.Context, expected int64, entry domain.LedgerEntry) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	if entry.IdempotencyKey != "" {
		seen, err := hasKey(ctx, tx, entry.AccountID, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrDuplicateKey
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			balance    = ?,
			version    = `+nextVersion+`,
			updated_at = datetime('now')
		WHERE account_id = ? AND balance = ?
	`, entry.ResultingBalance, entry.AccountID, expected)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM balances WHERE account_id = ?`, entry.AccountID,
		).Scan(&exists)
		if err != nil {
			return unavailable(err)
		}
		if exists == 0 {
			return domain.ErrAccountNotFound
		}
		return domain.ErrConflict
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ─── Entry Log Operations ───────────────────────────────────────────────────

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEntry(ctx context.Context, ex execer, e domain.LedgerEntry) error {
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, idempotency_key, resulting_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.Delta, string(e.Reason), key, e.ResultingBalance, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func hasKey(ctx context.Context, ex execer, accountID, key string) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE account_id = ? AND idempotency_key = ?
	`, accountID, key).Scan(&n)
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// Append adds an entry without touching the balance.
func (db *DB) Append(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.IdempotencyKey != "" {
		seen, err := hasKey(ctx, db.db, entry.AccountID, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrDuplicateKey
		}
	}
	return insertEntry(ctx, db.db, entry)
}

// HasKey reports whether an idempotency key was already applied.
func (db *DB) HasKey(ctx context.Context, accountID, key string) (bool, error) {
	return hasKey(ctx, db.db, accountID, key)
}

// ListFor streams an account's entries oldest first. Rows are read lazily.
func (db *DB) ListFor(ctx context.Context, accountID string) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		rows, err := db.db.QueryContext(ctx, `
			SELECT id, account_id, delta, reason, COALESCE(idempotency_key, ''), resulting_balance, created_at
			FROM ledger_entries WHERE account_id = ? ORDER BY seq ASC
		`, accountID)
		if err != nil {
			yield(domain.LedgerEntry{}, unavailable(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.LedgerEntry{}, unavailable(err))
		}
	}
}

// LastEntryFor returns the newest entry for an account.
func (db *DB) LastEntryFor(ctx context.Context, accountID string) (domain.LedgerEntry, bool, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, account_id, delta, reason, COALESCE(idempotency_key, ''), resulting_balance, created_at
		FROM ledger_entries WHERE account_id = ? ORDER BY seq DESC LIMIT 1
	`, accountID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (domain.LedgerEntry, error) {
	var (
		e       domain.LedgerEntry
		reason  string
		created string
	)
	err := s.Scan(&e.ID, &e.AccountID, &e.Delta, &reason, &e.IdempotencyKey, &e.ResultingBalance, &created)
	if err == sql.ErrNoRows {
		return e, err
	}
	if err != nil {
		return e, unavailable(err)
	}
	e.Reason = domain.Reason(reason)
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return e, unavailable(fmt.Errorf("entry %s created_at: %w", e.ID, err))
	}
	return e, nil
}
