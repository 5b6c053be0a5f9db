// Package rewards turns confirmed external events (purchases, ad views,
// referrals, subscription renewals) into idempotent ledger credits.
// Each event carries an external reference that becomes the idempotency
// key, so a redelivered confirmation never pays out twice.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/careerkit/tokens/internal/domain"
)

const (
	AdReward       int64 = 2
	ReferralReward int64 = 5
)

var (
	ErrUnknownPackage   = errors.New("unknown token package")
	ErrUnknownPlan      = errors.New("unknown subscription plan")
	ErrMissingReference = errors.New("external reference is required")
	ErrInvalidEmail     = errors.New("invalid referral email")
)

// Package is a one-off token bundle.
type Package struct {
	ID         string `json:"id"`
	Tokens     int64  `json:"tokens"`
	PriceCents int64  `json:"price_cents"`
}

// Plan is a subscription tier with a monthly token allowance.
type Plan struct {
	ID            string `json:"id"`
	MonthlyTokens int64  `json:"monthly_tokens"`
	PriceCents    int64  `json:"price_cents"`
}

var packages = []Package{
	{ID: "small", Tokens: 20, PriceCents: 499},
	{ID: "medium", Tokens: 50, PriceCents: 999},
	{ID: "large", Tokens: 100, PriceCents: 1799},
	{ID: "xlarge", Tokens: 200, PriceCents: 2999},
}

var plans = []Plan{
	{ID: "free", MonthlyTokens: 0, PriceCents: 0},
	{ID: "pro", MonthlyTokens: 50, PriceCents: 999},
	{ID: "premium", MonthlyTokens: 100, PriceCents: 1999},
}

// Ledger is the part of the ledger rewards need.
type Ledger interface {
	Credit(ctx context.Context, accountID string, amount int64, reason domain.Reason, key string) (int64, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// Service applies rewards.
type Service struct {
	ledger Ledger
}

// New creates a reward service.
func New(ledger Ledger) *Service {
	return &Service{ledger: ledger}
}

// Packages lists the purchasable bundles, smallest first.
func (s *Service) Packages() []Package { return append([]Package(nil), packages...) }

// Plans lists the subscription tiers.
func (s *Service) Plans() []Plan { return append([]Plan(nil), plans...) }

func findPackage(id string) (Package, bool) {
	for _, p := range packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

func findPlan(id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Purchase credits a confirmed package purchase. transactionID is the
// payment provider's id; confirming it again returns the balance unchanged.
func (s *Service) Purchase(ctx context.Context, accountID, packageID, transactionID string) (int64, error) {
	pkg, ok := findPackage(packageID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	if transactionID == "" {
		return 0, fmt.Errorf("%w: transaction id", ErrMissingReference)
	}
	return s.ledger.Credit(ctx, accountID, pkg.Tokens, domain.ReasonPurchase, "purchase:"+transactionID)
}

// WatchAd credits a completed ad view.
func (s *Service) WatchAd(ctx context.Context, accountID, viewID string) (int64, error) {
	if viewID == "" {
		return 0, fmt.Errorf("%w: ad view id", ErrMissingReference)
	}
	return s.ledger.Credit(ctx, accountID, AdReward, domain.ReasonAdReward, "ad:"+viewID)
}

// Refer credits a referral. Each referred address pays out once per
// account regardless of case or surrounding spaces.
func (s *Service) Refer(ctx context.Context, accountID, email string) (int64, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return 0, err
	}
	return s.ledger.Credit(ctx, accountID, ReferralReward, domain.ReasonReferral, "referral:"+normalized)
}

func normalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return strings.ToLower(addr.Address), nil
}

// GrantPlan credits a plan's allowance for the month containing at. The
// allowance is paid at most once per plan and calendar month (UTC). Plans
// without an allowance leave the balance as is.
func (s *Service) GrantPlan(ctx context.Context, accountID, planID string, at time.Time) (int64, error) {
	plan, ok := findPlan(planID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	if plan.MonthlyTokens == 0 {
		return s.ledger.Balance(ctx, accountID)
	}
	key := fmt.Sprintf("plan:%s:%s", plan.ID, at.UTC().Format("2006-01"))
	return s.ledger.Credit(ctx, accountID, plan.MonthlyTokens, domain.ReasonSubscription, key)
}
