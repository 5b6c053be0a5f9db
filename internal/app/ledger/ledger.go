// Package ledger is the only component allowed to change token balances.
//
// Every read-modify-write takes a per-account mutex and commits through the
// store's compare-and-swap, so a debit can never be granted twice against
// the same balance, whether the competing writer is a goroutine in this
// process or another process sharing the store. Conflicts are retried a
// bounded number of times before the operation fails as storage-unavailable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/observability"
)

// Config controls ledger behavior.
type Config struct {
	SignupBonus  int64         // balance granted on first initialization (default: 10)
	MaxRetries   int           // compare-and-swap attempts per operation (default: 5)
	RetryBackoff time.Duration // base wait between attempts, multiplied by attempt (default: 5ms)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SignupBonus:  domain.SignupBonus,
		MaxRetries:   5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// Ledger owns every balance mutation.
type Ledger struct {
	config Config
	store  domain.Store
	tracer *observability.Tracer
	notify func(domain.Notice)
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*accountLock

	subs subscribers
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger over store.
func New(cfg Config, store domain.Store) *Ledger {
	def := DefaultConfig()
	if cfg.SignupBonus <= 0 {
		cfg.SignupBonus = def.SignupBonus
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Ledger{
		config: cfg,
		store:  store,
		now:    time.Now,
		locks:  make(map[string]*accountLock),
		subs:   newSubscribers(),
	}
}

// SetNotifier registers the sink for user-facing notices. It is called
// after the account lock is released.
func (l *Ledger) SetNotifier(fn func(domain.Notice)) { l.notify = fn }

// SetTracer records a span per operation.
func (l *Ledger) SetTracer(t *observability.Tracer) { l.tracer = t }

// SetClock overrides the entry timestamp source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Store returns the backing store.
func (l *Ledger) Store() domain.Store { return l.store }

// lock serializes operations on one account within this process.
func (l *Ledger) lock(accountID string) func() {
	l.locksMu.Lock()
	al, ok := l.locks[accountID]
	if !ok {
		al = &accountLock{}
		l.locks[accountID] = al
	}
	al.refs++
	l.locksMu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.locksMu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, accountID)
		}
		l.locksMu.Unlock()
	}
}

func (l *Ledger) emit(n *domain.Notice) {
	if n != nil && l.notify != nil {
		l.notify(*n)
	}
}

func (l *Ledger) newEntry(accountID string, delta int64, reason domain.Reason, key string, after int64) domain.LedgerEntry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return domain.LedgerEntry{
		ID:               id.String(),
		AccountID:        accountID,
		Delta:            delta,
		Reason:           reason,
		IdempotencyKey:   key,
		Timestamp:        l.now().UTC(),
		ResultingBalance: after,
	}
}

// storageErr counts the failure and makes sure it matches ErrStorageUnavailable.
func storageErr(op string, err error) error {
	observability.LedgerStorageErrors.WithLabelValues(op).Inc()
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}

func (l *Ledger) backoff(attempt int) {
	observability.LedgerCASConflicts.Inc()
	if l.config.RetryBackoff > 0 {
		time.Sleep(l.config.RetryBackoff * time.Duration(attempt+1))
	}
}

func validAccount(accountID string) error {
	if accountID == "" {
		return domain.ErrInvalidAccount
	}
	return nil
}

// ─── Initialization ─────────────────────────────────────────────────────────

// EnsureInitialized returns the account's balance, creating it with the
// signup bonus the first time. Only one caller ever creates the account,
// so the bonus is applied at most once.
func (l *Ledger) EnsureInitialized(ctx context.Context, accountID string) (balance int64, err error) {
	if err := validAccount(accountID); err != nil {
		return 0, err
	}
	span := l.tracer.StartSpan(ctx, "ensure_initialized", accountID)
	defer func() { l.tracer.EndSpan(span, err) }()

	b, err := l.store.Get(ctx, accountID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return 0, storageErr("get", err)
	}

	unlock := l.lock(accountID)
	b, notice, err := l.loadLocked(ctx, accountID)
	unlock()
	if err != nil {
		return 0, err
	}
	l.emit(notice)
	return b, nil
}

// loadLocked reads the balance, initializing the account if needed.
// The caller holds the account lock.
func (l *Ledger) loadLocked(ctx context.Context, accountID string) (int64, *domain.Notice, error) {
	b, err := l.store.Get(ctx, accountID)
	if err == nil {
		return b, nil, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return 0, nil, storageErr("get", err)
	}

	bonus := l.config.SignupBonus
	seed := l.newEntry(accountID, bonus, domain.ReasonSignupBonus, "", bonus)
	b, created, err := l.store.InitializeIfAbsent(context.WithoutCancel(ctx), accountID, bonus, seed)
	if err != nil {
		return 0, nil, storageErr("initialize", err)
	}
	if !created {
		return b, nil, nil
	}

	log.Printf("[ledger] initialized account %s with %d tokens", accountID, bonus)
	observability.LedgerCredits.WithLabelValues(string(domain.ReasonSignupBonus)).Inc()
	l.subs.publish(accountID, b)
	return b, creditNotice(accountID, bonus, domain.ReasonSignupBonus, b), nil
}

// ─── Debit ──────────────────────────────────────────────────────────────────

// TryDebit removes amount from the balance if it covers it. An insufficient
// balance is reported as Granted == false, never as an error. Once the
// write starts it completes even if ctx is cancelled.
func (l *Ledger) TryDebit(ctx context.Context, accountID string, amount int64, reason domain.Reason) (res domain.DebitResult, err error) {
	if amount <= 0 {
		return domain.DebitResult{}, fmt.Errorf("%w: debit of %d", domain.ErrInvalidAmount, amount)
	}
	if err := validAccount(accountID); err != nil {
		return domain.DebitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.DebitResult{}, err
	}
	span := l.tracer.StartSpan(ctx, "debit", accountID)
	defer func() { l.tracer.EndSpan(span, err) }()

	unlock := l.lock(accountID)
	res, notices, err := l.debitLocked(context.WithoutCancel(ctx), accountID, amount, reason)
	unlock()

	switch {
	case err != nil:
		observability.LedgerDebits.WithLabelValues("error").Inc()
	case res.Granted:
		observability.LedgerDebits.WithLabelValues("granted").Inc()
	default:
		observability.LedgerDebits.WithLabelValues("denied").Inc()
	}
	for _, n := range notices {
		l.emit(n)
	}
	return res, err
}

func (l *Ledger) debitLocked(ctx context.Context, accountID string, amount int64, reason domain.Reason) (domain.DebitResult, []*domain.Notice, error) {
	var notices []*domain.Notice

	cur, n, err := l.loadLocked(ctx, accountID)
	if err != nil {
		return domain.DebitResult{}, nil, err
	}
	if n != nil {
		notices = append(notices, n)
	}

	for attempt := 0; attempt < l.config.MaxRetries; attempt++ {
		if cur < amount {
			return domain.DebitResult{Granted: false, Remaining: cur},
				append(notices, deniedNotice(accountID, amount, reason, cur)), nil
		}

		entry := l.newEntry(accountID, -amount, reason, "", cur-amount)
		err := l.store.CompareAndSwap(ctx, cur, entry)
		if err == nil {
			l.subs.publish(accountID, entry.ResultingBalance)
			return domain.DebitResult{Granted: true, Remaining: entry.ResultingBalance, Entry: &entry},
				append(notices, debitNotice(accountID, amount, reason, entry.ResultingBalance)), nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.DebitResult{}, notices, storageErr("compare_and_swap", err)
		}

		log.Printf("[ledger] debit %s: balance moved under us (attempt %d)", accountID, attempt+1)
		l.backoff(attempt)
		if cur, err = l.store.Get(ctx, accountID); err != nil {
			return domain.DebitResult{}, notices, storageErr("get", err)
		}
	}
	return domain.DebitResult{}, notices, l.exhausted("debit", accountID)
}

func (l *Ledger) exhausted(op, accountID string) error {
	observability.LedgerStorageErrors.WithLabelValues(op).Inc()
	log.Printf("[ledger] %s %s: gave up after %d conflicting writes", op, accountID, l.config.MaxRetries)
	return fmt.Errorf("%w: %s %s: %d conflicting writes", domain.ErrStorageUnavailable, op, accountID, l.config.MaxRetries)
}

// ─── Credit ─────────────────────────────────────────────────────────────────

// Credit adds amount to the balance and returns the new balance. A non-empty
// key makes the call idempotent: if an entry with that key already exists
// for the account, nothing changes and the current balance is returned.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason domain.Reason, key string) (balance int64, err error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit of %d", domain.ErrInvalidAmount, amount)
	}
	if err := validAccount(accountID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	span := l.tracer.StartSpan(ctx, "credit", accountID)
	defer func() { l.tracer.EndSpan(span, err) }()

	unlock := l.lock(accountID)
	balance, notices, err := l.creditLocked(context.WithoutCancel(ctx), accountID, amount, reason, key)
	unlock()

	for _, n := range notices {
		l.emit(n)
	}
	return balance, err
}

func (l *Ledger) creditLocked(ctx context.Context, accountID string, amount int64, reason domain.Reason, key string) (int64, []*domain.Notice, error) {
	var notices []*domain.Notice

	cur, n, err := l.loadLocked(ctx, accountID)
	if err != nil {
		return 0, nil, err
	}
	if n != nil {
		notices = append(notices, n)
	}

	if key != "" {
		seen, err := l.store.HasKey(ctx, accountID, key)
		if err != nil {
			return 0, notices, storageErr("has_key", err)
		}
		if seen {
			observability.LedgerDuplicateCredits.Inc()
			return cur, notices, nil
		}
	}

	for attempt := 0; attempt < l.config.MaxRetries; attempt++ {
		if amount > math.MaxInt64-cur {
			return 0, notices, fmt.Errorf("%w: credit of %d overflows balance %d", domain.ErrInvalidAmount, amount, cur)
		}
		entry := l.newEntry(accountID, amount, reason, key, cur+amount)
		err := l.store.CompareAndSwap(ctx, cur, entry)
		switch {
		case err == nil:
			observability.LedgerCredits.WithLabelValues(string(reason)).Inc()
			l.subs.publish(accountID, entry.ResultingBalance)
			return entry.ResultingBalance, append(notices, creditNotice(accountID, amount, reason, entry.ResultingBalance)), nil

		case errors.Is(err, domain.ErrDuplicateKey):
			// Another context applied the same key first.
			observability.LedgerDuplicateCredits.Inc()
			b, err := l.store.Get(ctx, accountID)
			if err != nil {
				return 0, notices, storageErr("get", err)
			}
			return b, notices, nil

		case errors.Is(err, domain.ErrConflict):
			log.Printf("[ledger] credit %s: balance moved under us (attempt %d)", accountID, attempt+1)
			l.backoff(attempt)
			if cur, err = l.store.Get(ctx, accountID); err != nil {
				return 0, notices, storageErr("get", err)
			}

		default:
			return 0, notices, storageErr("compare_and_swap", err)
		}
	}
	return 0, notices, l.exhausted("credit", accountID)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Balance returns the current balance. An unseen account reads as the
// signup bonus, never as not-found.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	return l.EnsureInitialized(ctx, accountID)
}

// ─── Notices ────────────────────────────────────────────────────────────────

func debitNotice(accountID string, amount int64, reason domain.Reason, balance int64) *domain.Notice {
	what := string(reason)
	if f, ok := reason.Feature(); ok {
		what = string(f)
	}
	return &domain.Notice{
		Kind:      domain.NoticeDebited,
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Balance:   balance,
		Message:   fmt.Sprintf("Used %d token(s) for %s", amount, what),
	}
}

func creditNotice(accountID string, amount int64, reason domain.Reason, balance int64) *domain.Notice {
	return &domain.Notice{
		Kind:      domain.NoticeCredited,
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Balance:   balance,
		Message:   fmt.Sprintf("%d tokens added to your account", amount),
	}
}

func deniedNotice(accountID string, amount int64, reason domain.Reason, balance int64) *domain.Notice {
	return &domain.Notice{
		Kind:      domain.NoticeDenied,
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Balance:   balance,
		Message:   "Not enough tokens. Please purchase more.",
	}
}
