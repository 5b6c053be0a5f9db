package ledger

import (
	"context"
	"sync"

	"github.com/careerkit/tokens/internal/infra/observability"
)

// ─── Subscriptions ──────────────────────────────────────────────────────────

// subscription delivers balances to one callback on its own goroutine.
// Values are coalesced: a slow callback skips intermediate balances but
// always ends on the latest one.
type subscription struct {
	fn   func(int64)
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending int64
	has     bool
}

func newSubscription(fn func(int64)) *subscription {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) offer(balance int64) {
	s.mu.Lock()
	s.pending, s.has = balance, true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		v, ok := s.pending, s.has
		s.has = false
		s.mu.Unlock()

		if ok {
			s.fn(v)
		}
	}
}

type subscribers struct {
	mu   sync.Mutex
	next uint64
	byID map[string]map[uint64]*subscription
	last map[string]int64
}

func newSubscribers() subscribers {
	return subscribers{
		byID: make(map[string]map[uint64]*subscription),
		last: make(map[string]int64),
	}
}

// publish offers balance to every subscriber of the account. Callers hold
// the account lock, so offers arrive in commit order.
func (s *subscribers) publish(accountID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.byID[accountID]
	if len(subs) == 0 {
		return
	}
	s.last[accountID] = balance
	for _, sub := range subs {
		sub.offer(balance)
	}
}

// publishIfChanged is publish, skipped when balance equals the last value
// already delivered for the account.
func (s *subscribers) publishIfChanged(accountID string, balance int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[accountID]; ok && prev == balance {
		return false
	}
	s.last[accountID] = balance
	for _, sub := range s.byID[accountID] {
		sub.offer(balance)
	}
	return true
}

// Subscribe registers fn to receive the account's balance after every
// successful mutation, including those made by other contexts once they
// are picked up by Refresh. fn runs on a dedicated goroutine and may call
// back into the ledger. The returned function unsubscribes; it is safe to
// call more than once.
func (l *Ledger) Subscribe(accountID string, fn func(balance int64)) func() {
	sub := newSubscription(fn)

	l.subs.mu.Lock()
	id := l.subs.next
	l.subs.next++
	if l.subs.byID[accountID] == nil {
		l.subs.byID[accountID] = make(map[uint64]*subscription)
	}
	l.subs.byID[accountID][id] = sub
	l.subs.mu.Unlock()
	observability.LedgerSubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subs.mu.Lock()
			delete(l.subs.byID[accountID], id)
			if len(l.subs.byID[accountID]) == 0 {
				delete(l.subs.byID, accountID)
				delete(l.subs.last, accountID)
			}
			l.subs.mu.Unlock()
			close(sub.done)
			observability.LedgerSubscribers.Dec()
		})
	}
}

// HasSubscribers reports whether anyone in this process watches the account.
func (l *Ledger) HasSubscribers(accountID string) bool {
	l.subs.mu.Lock()
	defer l.subs.mu.Unlock()
	return len(l.subs.byID[accountID]) > 0
}

// Refresh re-reads the balance and delivers it to local subscribers if it
// differs from what they last received. It is the entry point for changes
// made by other contexts sharing the store.
func (l *Ledger) Refresh(ctx context.Context, accountID string) (bool, error) {
	if !l.HasSubscribers(accountID) {
		return false, nil
	}

	unlock := l.lock(accountID)
	b, notice, err := l.loadLocked(ctx, accountID)
	changed := err == nil && l.subs.publishIfChanged(accountID, b)
	unlock()

	l.emit(notice)
	return changed, err
}
