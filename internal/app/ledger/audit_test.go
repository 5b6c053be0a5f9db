package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerkit/tokens/internal/domain"
)

func TestHistory_MostRecentFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.TryDebit(ctx, "a", 1, domain.FeatureUsage(domain.FeatureResumeExtractor))
	l.Credit(ctx, "a", 20, domain.ReasonPurchase, "purchase:tx-1")
	l.TryDebit(ctx, "a", 3, domain.FeatureUsage(domain.FeatureRoadmapGenerator))

	all, err := l.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(26), all[0].ResultingBalance)
	assert.Equal(t, domain.ReasonSignupBonus, all[3].Reason)

	two, err := l.History(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, domain.ReasonPurchase, two[1].Reason)
	assert.Equal(t, "purchase:tx-1", two[1].IdempotencyKey)
}

func TestHistory_EntryIDsUnique(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		l.Credit(ctx, "a", 1, domain.ReasonAdReward, "")
	}
	entries, err := l.History(ctx, "a", 0)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
	}
}

func TestSetClock(t *testing.T) {
	l, _ := newTestLedger(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	res, err := l.TryDebit(context.Background(), "a", 1, domain.FeatureUsage(domain.FeatureResumeChecker))
	require.NoError(t, err)
	assert.True(t, res.Entry.Timestamp.Equal(fixed))
}

func TestVerify_Consistent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.TryDebit(ctx, "a", 2, domain.FeatureUsage(domain.FeatureFakeDetector))

	v, err := l.Verify(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, -1, v.BrokenAt)
	assert.Equal(t, 2, v.Entries)
	assert.Equal(t, int64(8), v.LogBalance)
	assert.Equal(t, int64(8), v.StoredBalance)
}

func TestVerify_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Verify(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestRepair_StoredBalanceDrift(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	l.TryDebit(ctx, "a", 2, domain.FeatureUsage(domain.FeatureFakeDetector))

	// Something outside the ledger overwrote the balance.
	require.NoError(t, store.Set(ctx, "a", 99))

	v, err := l.Verify(ctx, "a")
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, -1, v.BrokenAt)

	rec := &recorder{}
	defer l.Subscribe("a", rec.add)()

	v, err = l.Repair(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.OK)

	b, err := l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(8), b)
	eventuallyLast(t, rec, 8)
}

func TestRepair_BrokenChainLeftAlone(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	l.EnsureInitialized(ctx, "a")

	require.NoError(t, store.Append(ctx, domain.LedgerEntry{
		ID: "bad", AccountID: "a", Delta: -1, Reason: domain.FeatureUsage(domain.FeatureResumeChecker),
		Timestamp: time.Now(), ResultingBalance: 4,
	}))

	v, err := l.Verify(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, v.BrokenAt)

	_, err = l.Repair(ctx, "a")
	assert.Error(t, err)
	b, _ := l.Balance(ctx, "a")
	assert.Equal(t, int64(10), b)
}
