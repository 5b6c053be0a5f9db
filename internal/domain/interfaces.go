package domain

import (
	"context"
	"iter"
)

// ─── Storage Interfaces ─────────────────────────────────────────────────────
// Infrastructure implements them; the ledger depends on them.

// BalanceStore is durable persistence of one integer balance per account.
// It holds no policy; only the ledger writes to it.
type BalanceStore interface {
	// Get returns ErrAccountNotFound if no balance was ever initialized.
	Get(ctx context.Context, accountID string) (int64, error)

	// Set overwrites the balance unconditionally.
	Set(ctx context.Context, accountID string, balance int64) error

	// InitializeIfAbsent stores initial (and appends seed) only when the
	// account has no balance yet. It returns the stored balance and whether
	// this call created it. Atomic per account.
	InitializeIfAbsent(ctx context.Context, accountID string, initial int64, seed LedgerEntry) (int64, bool, error)

	// CompareAndSwap writes entry.ResultingBalance and appends entry in one
	// atomic step iff the stored balance still equals expected. It returns
	// ErrConflict when it does not, and ErrDuplicateKey when entry carries an
	// idempotency key already recorded for the account.
	CompareAndSwap(ctx context.Context, expected int64, entry LedgerEntry) error
}

// EventLog is the append-only record of balance mutations.
type EventLog interface {
	Append(ctx context.Context, entry LedgerEntry) error

	// ListFor yields the account's entries oldest first. Iterating again
	// restarts from the first entry and includes anything appended since.
	ListFor(ctx context.Context, accountID string) iter.Seq2[LedgerEntry, error]

	LastEntryFor(ctx context.Context, accountID string) (LedgerEntry, bool, error)

	HasKey(ctx context.Context, accountID, key string) (bool, error)
}

// Store is a backend that provides both halves atomically.
type Store interface {
	BalanceStore
	EventLog
}

// ChangeFeed delivers ids of accounts whose balance was changed by any
// context sharing the store, this one included. The channel is closed when
// ctx ends. A value is a "something changed, re-read" hint, nothing more.
type ChangeFeed interface {
	Watch(ctx context.Context) (<-chan string, error)
}
