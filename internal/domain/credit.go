// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring; it depends on nothing.
package domain

import (
	"strings"
	"time"
)

// ─── Token Ledger Types ─────────────────────────────────────────────────────

// SignupBonus is the balance a fresh account starts with.
const SignupBonus int64 = 10

// Reason tags the business cause of a balance mutation.
type Reason string

const (
	ReasonPurchase     Reason = "purchase"
	ReasonAdReward     Reason = "ad-reward"
	ReasonReferral     Reason = "referral-reward"
	ReasonSignupBonus  Reason = "signup-bonus"
	ReasonSubscription Reason = "subscription-grant"

	featureUsagePrefix = "feature-usage:"
)

// FeatureUsage returns the reason recorded when a feature is charged.
func FeatureUsage(feature FeatureID) Reason {
	return Reason(featureUsagePrefix + string(feature))
}

// Feature returns the feature id of a feature-usage reason.
func (r Reason) Feature() (FeatureID, bool) {
	s := string(r)
	if !strings.HasPrefix(s, featureUsagePrefix) {
		return "", false
	}
	return FeatureID(strings.TrimPrefix(s, featureUsagePrefix)), true
}

// Account is one authenticated user's token-holding identity.
type Account struct {
	ID      string `json:"account_id"`
	Balance int64  `json:"balance"`
}

// LedgerEntry is an immutable record of a single balance mutation.
// ResultingBalance of entry i equals ResultingBalance of entry i-1 plus Delta.
type LedgerEntry struct {
	ID               string    `json:"entry_id"`
	AccountID        string    `json:"account_id"`
	Delta            int64     `json:"delta"`
	Reason           Reason    `json:"reason"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	ResultingBalance int64     `json:"resulting_balance"`
}

// IsDebit reports whether the entry decreased the balance.
func (e LedgerEntry) IsDebit() bool { return e.Delta < 0 }

// DebitResult is the outcome of a debit attempt. A denied debit is a normal
// value, not an error: Granted is false and Remaining is the unchanged balance.
type DebitResult struct {
	Granted   bool         `json:"granted"`
	Remaining int64        `json:"remaining_balance"`
	Entry     *LedgerEntry `json:"entry,omitempty"`
}

// ─── Notices ────────────────────────────────────────────────────────────────

// NoticeKind distinguishes the events shown to the user.
type NoticeKind string

const (
	NoticeDebited  NoticeKind = "debit-succeeded"
	NoticeCredited NoticeKind = "credit-succeeded"
	NoticeDenied   NoticeKind = "debit-denied"
)

// Notice is a human-readable ledger event for the presentation layer.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	AccountID string     `json:"account_id"`
	Amount    int64      `json:"amount"`
	Reason    Reason     `json:"reason"`
	Balance   int64      `json:"balance"`
	Message   string     `json:"message"`
}

// ─── Verification ───────────────────────────────────────────────────────────

// Verification reports whether the stored balance and the entry log agree.
type Verification struct {
	AccountID     string `json:"account_id"`
	StoredBalance int64  `json:"stored_balance"`
	LogBalance    int64  `json:"log_balance"`
	Entries       int    `json:"entries"`
	// BrokenAt is the index of the first entry whose ResultingBalance does not
	// follow from its predecessor, or -1.
	BrokenAt int  `json:"broken_at"`
	OK       bool `json:"ok"`
}
