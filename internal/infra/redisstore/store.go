// Package redisstore keeps token balances and the entry log in Redis so
// several server instances can share one ledger. Compare-and-swap uses
// WATCH/MULTI and every commit is announced on a pub/sub channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/careerkit/tokens/internal/domain"
)

const (
	KeyPrefix     = "tokens:"
	ChangeChannel = "tokens:changes"

	listPage    = 100
	initRetries = 5
)

// Store implements domain.Store and domain.ChangeFeed on a Redis client.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Open connects to addr and checks the server answers.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb), nil
}

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }

func balanceKey(id string) string { return KeyPrefix + id }
func logKey(id string) string     { return KeyPrefix + id + ":log" }
func idemKey(id string) string    { return KeyPrefix + id + ":keys" }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func (s *Store) publish(ctx context.Context, accountID string) {
	if err := s.rdb.Publish(ctx, ChangeChannel, accountID).Err(); err != nil {
		log.Printf("[redisstore] publish %s: %v", accountID, err)
	}
}

// ─── Balance Operations ─────────────────────────────────────────────────────

// Get returns the stored balance.
func (s *Store) Get(ctx context.Context, accountID string) (int64, error) {
	b, err := s.rdb.Get(ctx, balanceKey(accountID)).Int64()
	if err == redis.Nil {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return b, nil
}

// Set overwrites the balance.
func (s *Store) Set(ctx context.Context, accountID string, balance int64) error {
	if err := s.rdb.Set(ctx, balanceKey(accountID), balance, 0).Err(); err != nil {
		return unavailable(err)
	}
	s.publish(ctx, accountID)
	return nil
}

// InitializeIfAbsent seeds the account once, even across instances.
func (s *Store) InitializeIfAbsent(ctx context.Context, accountID string, initial int64, seed domain.LedgerEntry) (int64, bool, error) {
	raw, err := json.Marshal(seed)
	if err != nil {
		return 0, false, err
	}

	for attempt := 0; attempt < initRetries; attempt++ {
		var (
			balance int64
			created bool
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, balanceKey(accountID)).Int64()
			if err == nil {
				balance = cur
				return nil
			}
			if err != redis.Nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, balanceKey(accountID), initial, 0)
				p.RPush(ctx, logKey(accountID), raw)
				if seed.IdempotencyKey != "" {
					p.SAdd(ctx, idemKey(accountID), seed.IdempotencyKey)
				}
				return nil
			})
			if err != nil {
				return err
			}
			balance, created = initial, true
			return nil
		}, balanceKey(accountID))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, false, unavailable(err)
		}
		if created {
			s.publish(ctx, accountID)
		}
		return balance, created, nil
	}
	return 0, false, fmt.Errorf("%w: initialize %s kept conflicting", domain.ErrStorageUnavailable, accountID)
}

// CompareAndSwap commits entry iff the balance still equals expected.
// A concurrent write to the watched keys aborts the transaction and is
// reported as ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, expected int64, entry domain.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	id := entry.AccountID

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if entry.IdempotencyKey != "" {
			seen, err := tx.SIsMember(ctx, idemKey(id), entry.IdempotencyKey).Result()
			if err != nil {
				return err
			}
			if seen {
				return domain.ErrDuplicateKey
			}
		}

		cur, err := tx.Get(ctx, balanceKey(id)).Int64()
		if err == redis.Nil {
			return domain.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		if cur != expected {
			return domain.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, balanceKey(id), entry.ResultingBalance, 0)
			p.RPush(ctx, logKey(id), raw)
			if entry.IdempotencyKey != "" {
				p.SAdd(ctx, idemKey(id), entry.IdempotencyKey)
			}
			return nil
		})
		return err
	}, balanceKey(id), idemKey(id))

	switch {
	case err == nil:
		s.publish(ctx, id)
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrConflict
	case errors.Is(err, domain.ErrDuplicateKey),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAccountNotFound):
		return err
	default:
		return unavailable(err)
	}
}

// ─── Entry Log Operations ───────────────────────────────────────────────────

// Append adds an entry without touching the balance.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if entry.IdempotencyKey != "" {
		added, err := s.rdb.SAdd(ctx, idemKey(entry.AccountID), entry.IdempotencyKey).Result()
		if err != nil {
			return unavailable(err)
		}
		if added == 0 {
			return domain.ErrDuplicateKey
		}
	}
	if err := s.rdb.RPush(ctx, logKey(entry.AccountID), raw).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// HasKey reports whether key was applied to the account.
func (s *Store) HasKey(ctx context.Context, accountID, key string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, idemKey(accountID), key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// ListFor pages through the log list oldest first.
func (s *Store) ListFor(ctx context.Context, accountID string) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		for start := int64(0); ; start += listPage {
			page, err := s.rdb.LRange(ctx, logKey(accountID), start, start+listPage-1).Result()
			if err != nil {
				yield(domain.LedgerEntry{}, unavailable(err))
				return
			}
			for _, raw := range page {
				var e domain.LedgerEntry
				if err := json.Unmarshal([]byte(raw), &e); err != nil {
					yield(domain.LedgerEntry{}, fmt.Errorf("decode entry: %w", err))
					return
				}
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < listPage {
				return
			}
		}
	}
}

// LastEntryFor returns the newest entry.
func (s *Store) LastEntryFor(ctx context.Context, accountID string) (domain.LedgerEntry, bool, error) {
	raw, err := s.rdb.LIndex(ctx, logKey(accountID), -1).Result()
	if err == redis.Nil {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, unavailable(err)
	}
	var e domain.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

// ─── Change Feed ────────────────────────────────────────────────────────────

// Watch subscribes to the change channel. The subscription is confirmed
// before Watch returns, so no commit after that point is missed.
func (s *Store) Watch(ctx context.Context) (<-chan string, error) {
	sub := s.rdb.Subscribe(ctx, ChangeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, unavailable(err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
