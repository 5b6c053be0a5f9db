package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/careerkit/tokens/internal/domain"
)

// ─── History & Audit ────────────────────────────────────────────────────────

// History returns up to limit entries, most recent first. limit <= 0
// returns all of them.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	if err := validAccount(accountID); err != nil {
		return nil, err
	}
	var out []domain.LedgerEntry
	for e, err := range l.store.ListFor(ctx, accountID) {
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Verify replays the entry log and compares it with the stored balance.
func (l *Ledger) Verify(ctx context.Context, accountID string) (domain.Verification, error) {
	if err := validAccount(accountID); err != nil {
		return domain.Verification{}, err
	}
	stored, err := l.store.Get(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Verification{}, err
	}
	if err != nil {
		return domain.Verification{}, storageErr("get", err)
	}

	v := domain.Verification{AccountID: accountID, StoredBalance: stored, BrokenAt: -1}
	var prev int64
	for e, err := range l.store.ListFor(ctx, accountID) {
		if err != nil {
			return domain.Verification{}, storageErr("list", err)
		}
		if v.BrokenAt < 0 && e.ResultingBalance != prev+e.Delta {
			v.BrokenAt = v.Entries
		}
		prev = e.ResultingBalance
		v.Entries++
	}
	v.LogBalance = prev
	v.OK = v.BrokenAt < 0 && v.LogBalance == v.StoredBalance
	return v, nil
}

// Repair overwrites the stored balance with the log's last resulting
// balance when the two disagree. A log whose chain is broken is left alone.
func (l *Ledger) Repair(ctx context.Context, accountID string) (domain.Verification, error) {
	unlock := l.lock(accountID)
	defer unlock()

	v, err := l.Verify(ctx, accountID)
	if err != nil {
		return v, err
	}
	if v.OK {
		return v, nil
	}
	if v.BrokenAt >= 0 {
		return v, fmt.Errorf("entry log for %s broken at entry %d", accountID, v.BrokenAt)
	}

	log.Printf("[ledger] repair %s: stored %d, log says %d", accountID, v.StoredBalance, v.LogBalance)
	if err := l.store.Set(context.WithoutCancel(ctx), accountID, v.LogBalance); err != nil {
		return v, storageErr("set", err)
	}
	l.subs.publish(accountID, v.LogBalance)

	v.StoredBalance = v.LogBalance
	v.OK = true
	return v, nil
}
