package tabsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerkit/tokens/internal/app/ledger"
	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/memstore"
)

func TestSyncer_OtherTabChangeReachesSubscriber(t *testing.T) {
	store := memstore.New()
	tabA := ledger.New(ledger.DefaultConfig(), store)
	tabB := ledger.New(ledger.DefaultConfig(), store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := tabA.EnsureInitialized(ctx, "acct")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int64
	defer tabA.Subscribe("acct", func(b int64) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})()

	done := make(chan error, 1)
	go func() { done <- New(store, tabA).Run(ctx) }()

	// Give the syncer a moment to register its watcher.
	time.Sleep(20 * time.Millisecond)

	_, err = tabB.Credit(ctx, "acct", 5, domain.ReasonAdReward, "ad:v1")
	require.NoError(t, err)
	_, err = tabB.TryDebit(ctx, "acct", 2, domain.FeatureUsage(domain.FeatureResumeBuilder))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 13
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeFeed struct {
	ch  chan string
	err error
}

func (f *fakeFeed) Watch(ctx context.Context) (<-chan string, error) {
	return f.ch, f.err
}

type countingRefresher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *countingRefresher) Refresh(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return c.err == nil, c.err
}

func TestSyncer_StopsWhenFeedCloses(t *testing.T) {
	feed := &fakeFeed{ch: make(chan string, 3)}
	r := &countingRefresher{}
	feed.ch <- "a"
	feed.ch <- "b"
	close(feed.ch)

	err := New(feed, r).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.ids)
}

func TestSyncer_RefreshErrorsDoNotStopRun(t *testing.T) {
	feed := &fakeFeed{ch: make(chan string, 2)}
	r := &countingRefresher{err: domain.ErrStorageUnavailable}
	feed.ch <- "a"
	feed.ch <- "b"
	close(feed.ch)

	require.NoError(t, New(feed, r).Run(context.Background()))
	assert.Len(t, r.ids, 2)
}

func TestSyncer_WatchError(t *testing.T) {
	boom := errors.New("no feed")
	err := New(&fakeFeed{err: boom}, &countingRefresher{}).Run(context.Background())
	assert.ErrorIs(t, err, boom)
}
