// Package memstore is an in-process token store.
// Several ledgers sharing one Store behave like several browser tabs sharing
// one origin's storage: every commit is broadcast on the change feed.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/careerkit/tokens/internal/domain"
)

// Store implements domain.Store and domain.ChangeFeed in memory.
type Store struct {
	mu          sync.Mutex
	balances    map[string]int64
	entries     map[string][]domain.LedgerEntry
	keys        map[string]map[string]struct{}
	watchers    map[*watcher]struct{}
	unavailable bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		balances: make(map[string]int64),
		entries:  make(map[string][]domain.LedgerEntry),
		keys:     make(map[string]map[string]struct{}),
		watchers: make(map[*watcher]struct{}),
	}
}

// SetUnavailable makes every operation fail with ErrStorageUnavailable,
// like a browser with storage disabled.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

func (s *Store) check() error {
	if s.unavailable {
		return fmt.Errorf("%w: memory store disabled", domain.ErrStorageUnavailable)
	}
	return nil
}

// Get returns the stored balance.
func (s *Store) Get(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	b, ok := s.balances[accountID]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	return b, nil
}

// Set overwrites the balance.
func (s *Store) Set(ctx context.Context, accountID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.balances[accountID] = balance
	s.notifyLocked(accountID)
	return nil
}

// InitializeIfAbsent seeds the account once.
func (s *Store) InitializeIfAbsent(ctx context.Context, accountID string, initial int64, seed domain.LedgerEntry) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, false, err
	}
	if b, ok := s.balances[accountID]; ok {
		return b, false, nil
	}
	s.balances[accountID] = initial
	s.appendLocked(seed)
	s.notifyLocked(accountID)
	return initial, true, nil
}

// CompareAndSwap commits entry iff the balance is still expected.
func (s *Store) CompareAndSwap(ctx context.Context, expected int64, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	cur, ok := s.balances[entry.AccountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if entry.IdempotencyKey != "" {
		if _, seen := s.keys[entry.AccountID][entry.IdempotencyKey]; seen {
			return domain.ErrDuplicateKey
		}
	}
	if cur != expected {
		return domain.ErrConflict
	}
	s.balances[entry.AccountID] = entry.ResultingBalance
	s.appendLocked(entry)
	s.notifyLocked(entry.AccountID)
	return nil
}

// Append adds an entry to the log without touching the balance.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if entry.IdempotencyKey != "" {
		if _, seen := s.keys[entry.AccountID][entry.IdempotencyKey]; seen {
			return domain.ErrDuplicateKey
		}
	}
	s.appendLocked(entry)
	return nil
}

func (s *Store) appendLocked(entry domain.LedgerEntry) {
	s.entries[entry.AccountID] = append(s.entries[entry.AccountID], entry)
	if entry.IdempotencyKey == "" {
		return
	}
	set, ok := s.keys[entry.AccountID]
	if !ok {
		set = make(map[string]struct{})
		s.keys[entry.AccountID] = set
	}
	set[entry.IdempotencyKey] = struct{}{}
}

// ListFor yields a snapshot of the account's entries taken when iteration starts.
func (s *Store) ListFor(ctx context.Context, accountID string) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		s.mu.Lock()
		if err := s.check(); err != nil {
			s.mu.Unlock()
			yield(domain.LedgerEntry{}, err)
			return
		}
		snapshot := append([]domain.LedgerEntry(nil), s.entries[accountID]...)
		s.mu.Unlock()

		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// LastEntryFor returns the newest entry.
func (s *Store) LastEntryFor(ctx context.Context, accountID string) (domain.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	list := s.entries[accountID]
	if len(list) == 0 {
		return domain.LedgerEntry{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// HasKey reports whether an idempotency key was applied.
func (s *Store) HasKey(ctx context.Context, accountID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	_, ok := s.keys[accountID][key]
	return ok, nil
}

// ─── Change Feed ────────────────────────────────────────────────────────────

// Watch subscribes to commits made through this store by any ledger.
// Changes the reader has not taken yet are coalesced per account, so a
// slow reader sees fewer signals but never misses an account's last change.
func (s *Store) Watch(ctx context.Context) (<-chan string, error) {
	w := &watcher{
		queued: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan string)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
			close(out)
		}()
		w.run(ctx, out)
	}()
	return out, nil
}

func (s *Store) notifyLocked(accountID string) {
	for w := range s.watchers {
		w.add(accountID)
	}
}

// watcher is one reader's queue of changed accounts, in first-change order.
type watcher struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	wake    chan struct{}
}

func (w *watcher) add(accountID string) {
	w.mu.Lock()
	if _, ok := w.queued[accountID]; !ok {
		w.queued[accountID] = struct{}{}
		w.pending = append(w.pending, accountID)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// take removes the oldest pending account. A later change re-queues it.
func (w *watcher) take() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return "", false
	}
	id := w.pending[0]
	w.pending = w.pending[1:]
	delete(w.queued, id)
	return id, true
}

func (w *watcher) run(ctx context.Context, out chan<- string) {
	for {
		for id, ok := w.take(); ok; id, ok = w.take() {
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}
