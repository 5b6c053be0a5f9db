// Package gate maps product features to their token cost and is the single
// call-site through which a feature use is charged.
package gate

import (
	"context"
	"fmt"
	"maps"

	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/observability"
)

// Debiter is the part of the ledger the gate needs.
type Debiter interface {
	TryDebit(ctx context.Context, accountID string, amount int64, reason domain.Reason) (domain.DebitResult, error)
}

// Gate authorizes and charges feature usage.
type Gate struct {
	costs  map[domain.FeatureID]int64
	ledger Debiter
}

// New creates a gate with the default cost schedule. overrides may change
// existing costs or register new features; every cost must be positive.
func New(ledger Debiter, overrides map[domain.FeatureID]int64) (*Gate, error) {
	costs := domain.DefaultFeatureCosts()
	for f, c := range overrides {
		if c <= 0 {
			return nil, fmt.Errorf("feature %s: %w", f, domain.ErrInvalidAmount)
		}
		costs[f] = c
	}
	return &Gate{costs: costs, ledger: ledger}, nil
}

// CostOf returns the price of one use of feature.
func (g *Gate) CostOf(feature domain.FeatureID) (int64, error) {
	c, ok := g.costs[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownFeature, feature)
	}
	return c, nil
}

// Authorize charges the feature's cost to the account. A denied result
// means the balance was too low and nothing was charged. Call it only in
// response to an explicit user action.
func (g *Gate) Authorize(ctx context.Context, accountID string, feature domain.FeatureID) (domain.DebitResult, error) {
	cost, err := g.CostOf(feature)
	if err != nil {
		return domain.DebitResult{}, err
	}
	res, err := g.ledger.TryDebit(ctx, accountID, cost, domain.FeatureUsage(feature))
	if err != nil {
		return domain.DebitResult{}, err
	}
	if res.Granted {
		observability.FeatureUsage.WithLabelValues(string(feature)).Inc()
	}
	return res, nil
}

// Costs returns the schedule ordered by cost.
func (g *Gate) Costs() []domain.FeatureCost {
	return domain.SortedCosts(maps.Clone(g.costs))
}
