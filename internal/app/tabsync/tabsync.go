// Package tabsync keeps local balance subscribers current when another
// process or ledger instance changes an account in the shared store.
//
// A change signal only names the account. The balance itself is always
// re-read through the ledger, so a stale signal can never overwrite a
// newer value.
package tabsync

import (
	"context"
	"log"

	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/observability"
)

// Refresher re-reads an account and redelivers it to local subscribers.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (bool, error)
}

// Syncer forwards store change signals to the ledger.
type Syncer struct {
	feed   domain.ChangeFeed
	ledger Refresher
}

// New creates a syncer.
func New(feed domain.ChangeFeed, ledger Refresher) *Syncer {
	return &Syncer{feed: feed, ledger: ledger}
}

// Run consumes the change feed until ctx ends or the feed closes.
func (s *Syncer) Run(ctx context.Context) error {
	changes, err := s.feed.Watch(ctx)
	if err != nil {
		return err
	}
	log.Printf("[tabsync] watching for external balance changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-changes:
			if !ok {
				return nil
			}
			s.handle(ctx, id)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, accountID string) {
	changed, err := s.ledger.Refresh(ctx, accountID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[tabsync] refresh %s: %v", accountID, err)
		}
		return
	}
	if changed {
		observability.SyncRefreshes.Inc()
	}
}
