package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/careerkit/tokens/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var entrySeq int

func testEntry(acct string, delta, after int64, reason domain.Reason, key string) domain.LedgerEntry {
	entrySeq++
	return domain.LedgerEntry{
		ID:               fmt.Sprintf("e-%d", entrySeq),
		AccountID:        acct,
		Delta:            delta,
		Reason:           reason,
		IdempotencyKey:   key,
		Timestamp:        time.Now(),
		ResultingBalance: after,
	}
}

func seed(t *testing.T, db *DB, acct string, balance int64) {
	t.Helper()
	_, _, err := db.InitializeIfAbsent(context.Background(), acct, balance,
		testEntry(acct, balance, balance, domain.ReasonSignupBonus, ""))
	if err != nil {
		t.Fatalf("InitializeIfAbsent() error: %v", err)
	}
}

// ─── Migrations ─────────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)
	for _, table := range []string{"balances", "ledger_entries"} {
		var count int
		err := db.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found in database", table)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	seed(t, db, "acct", 10)
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	got, err := db2.Get(context.Background(), "acct")
	if err != nil {
		t.Fatal(err)
	}
	if got != 10 {
		t.Errorf("balance after reopen = %d, want 10", got)
	}
}

// ─── Balance Operations ─────────────────────────────────────────────────────

func TestGet_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Get(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("Get() error = %v, want ErrAccountNotFound", err)
	}
}

func TestInitializeIfAbsent_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	b, created, err := db.InitializeIfAbsent(ctx, "a", 10, testEntry("a", 10, 10, domain.ReasonSignupBonus, ""))
	if err != nil {
		t.Fatal(err)
	}
	if !created || b != 10 {
		t.Errorf("first call = (%d, %v), want (10, true)", b, created)
	}

	b, created, err = db.InitializeIfAbsent(ctx, "a", 10, testEntry("a", 10, 10, domain.ReasonSignupBonus, ""))
	if err != nil {
		t.Fatal(err)
	}
	if created || b != 10 {
		t.Errorf("second call = (%d, %v), want (10, false)", b, created)
	}

	n := 0
	for _, err := range db.ListFor(ctx, "a") {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestInitializeIfAbsent_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := domain.LedgerEntry{
				ID: fmt.Sprintf("seed-%d", i), AccountID: "a", Delta: 10,
				Reason: domain.ReasonSignupBonus, Timestamp: time.Now(), ResultingBalance: 10,
			}
			_, created, err := db.InitializeIfAbsent(ctx, "a", 10, e)
			if err != nil {
				t.Errorf("InitializeIfAbsent() error: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d times, want 1", createdCount)
	}
}

func TestSet_Overwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, "a", 10)

	if err := db.Set(ctx, "a", 4); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.Get(ctx, "a"); got != 4 {
		t.Errorf("balance = %d, want 4", got)
	}
}

func TestSet_RejectsNegative(t *testing.T) {
	db := newTestDB(t)
	err := db.Set(context.Background(), "a", -1)
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("Set(-1) error = %v, want storage error", err)
	}
}

// ─── Compare-and-swap ───────────────────────────────────────────────────────

func TestCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, "a", 10)

	err := db.CompareAndSwap(ctx, 10, testEntry("a", -3, 7, domain.FeatureUsage(domain.FeatureRoadmapGenerator), ""))
	if err != nil {
		t.Fatalf("CompareAndSwap() error: %v", err)
	}
	if got, _ := db.Get(ctx, "a"); got != 7 {
		t.Errorf("balance = %d, want 7", got)
	}

	err = db.CompareAndSwap(ctx, 10, testEntry("a", -3, 7, domain.FeatureUsage(domain.FeatureRoadmapGenerator), ""))
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale CompareAndSwap() error = %v, want ErrConflict", err)
	}

	last, ok, err := db.LastEntryFor(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("LastEntryFor() = %v, %v", ok, err)
	}
	if last.Delta != -3 || last.ResultingBalance != 7 {
		t.Errorf("last entry = %+v", last)
	}
	if f, _ := last.Reason.Feature(); f != domain.FeatureRoadmapGenerator {
		t.Errorf("last reason = %q", last.Reason)
	}
}

func TestCompareAndSwap_UnknownAccount(t *testing.T) {
	db := newTestDB(t)
	err := db.CompareAndSwap(context.Background(), 0, testEntry("ghost", 5, 5, domain.ReasonPurchase, ""))
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestCompareAndSwap_DuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, "a", 10)

	if err := db.CompareAndSwap(ctx, 10, testEntry("a", 20, 30, domain.ReasonPurchase, "purchase:tx-123")); err != nil {
		t.Fatal(err)
	}
	err := db.CompareAndSwap(ctx, 30, testEntry("a", 20, 50, domain.ReasonPurchase, "purchase:tx-123"))
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("error = %v, want ErrDuplicateKey", err)
	}
	if got, _ := db.Get(ctx, "a"); got != 30 {
		t.Errorf("balance = %d, want 30", got)
	}

	// Keys are scoped per account
	seed(t, db, "b", 10)
	if err := db.CompareAndSwap(ctx, 10, testEntry("b", 20, 30, domain.ReasonPurchase, "purchase:tx-123")); err != nil {
		t.Errorf("same key on another account: %v", err)
	}
}

func TestCompareAndSwap_SecondHandle(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	seed(t, a, "acct", 2)

	// Both handles read 2; only the first swap may win.
	errA := a.CompareAndSwap(ctx, 2, testEntry("acct", -2, 0, domain.FeatureUsage(domain.FeatureResumeBuilder), ""))
	errB := b.CompareAndSwap(ctx, 2, testEntry("acct", -2, 0, domain.FeatureUsage(domain.FeatureFakeDetector), ""))
	if errA != nil {
		t.Fatalf("first swap: %v", errA)
	}
	if !errors.Is(errB, domain.ErrConflict) {
		t.Fatalf("second swap error = %v, want ErrConflict", errB)
	}
}

// ─── Entry Log ──────────────────────────────────────────────────────────────

func TestAppend_AndHasKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Append(ctx, testEntry("a", 5, 5, domain.ReasonReferral, "referral:x@y.z")); err != nil {
		t.Fatal(err)
	}
	ok, err := db.HasKey(ctx, "a", "referral:x@y.z")
	if err != nil || !ok {
		t.Errorf("HasKey() = %v, %v; want true", ok, err)
	}
	if err := db.Append(ctx, testEntry("a", 5, 10, domain.ReasonReferral, "referral:x@y.z")); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Errorf("duplicate Append() error = %v, want ErrDuplicateKey", err)
	}
}

func TestListFor_OrderAndEarlyStop(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, "a", 10)
	db.CompareAndSwap(ctx, 10, testEntry("a", -1, 9, domain.FeatureUsage(domain.FeatureResumeExtractor), ""))
	db.CompareAndSwap(ctx, 9, testEntry("a", 2, 11, domain.ReasonAdReward, ""))

	var got []int64
	for e, err := range db.ListFor(ctx, "a") {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e.ResultingBalance)
	}
	want := []int64{10, 9, 11}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d resulting = %d, want %d", i, got[i], want[i])
		}
	}

	n := 0
	for range db.ListFor(ctx, "a") {
		n++
		break
	}
	if n != 1 {
		t.Errorf("early stop yielded %d", n)
	}
}

func TestLastEntryFor_Empty(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.LastEntryFor(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ok = true for empty log")
	}
}

func TestCorruptTimestamp_ReportsError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, "a", 10)

	if _, err := db.db.Exec(`UPDATE ledger_entries SET created_at = 'yesterday' WHERE account_id = ?`, "a"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := db.LastEntryFor(ctx, "a"); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("LastEntryFor() error = %v, want ErrStorageUnavailable", err)
	}

	var listErr error
	for _, err := range db.ListFor(ctx, "a") {
		if err != nil {
			listErr = err
			break
		}
	}
	if !errors.Is(listErr, domain.ErrStorageUnavailable) {
		t.Errorf("ListFor() error = %v, want ErrStorageUnavailable", listErr)
	}
}
