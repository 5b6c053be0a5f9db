package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerkit/tokens/internal/app/ledger"
	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/memstore"
)

type stubDebiter struct {
	calls   int
	amount  int64
	reason  domain.Reason
	granted bool
	err     error
}

func (s *stubDebiter) TryDebit(_ context.Context, _ string, amount int64, reason domain.Reason) (domain.DebitResult, error) {
	s.calls++
	s.amount, s.reason = amount, reason
	return domain.DebitResult{Granted: s.granted, Remaining: 7}, s.err
}

func TestCostOf(t *testing.T) {
	g, err := New(&stubDebiter{}, nil)
	require.NoError(t, err)

	tests := []struct {
		feature domain.FeatureID
		want    int64
	}{
		{domain.FeatureResumeExtractor, 1},
		{domain.FeatureResumeChecker, 1},
		{domain.FeatureResumeBuilder, 2},
		{domain.FeatureBusinessConnect, 2},
		{domain.FeatureFakeDetector, 2},
		{domain.FeatureRoadmapGenerator, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.feature), func(t *testing.T) {
			got, err := g.CostOf(tt.feature)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCostOf_Unknown(t *testing.T) {
	g, _ := New(&stubDebiter{}, nil)
	_, err := g.CostOf("cover-letter")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
}

func TestAuthorize_DelegatesWithFeatureReason(t *testing.T) {
	d := &stubDebiter{granted: true}
	g, _ := New(d, nil)

	res, err := g.Authorize(context.Background(), "a", domain.FeatureRoadmapGenerator)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, int64(3), d.amount)
	assert.Equal(t, domain.Reason("feature-usage:roadmap-generator"), d.reason)
}

func TestAuthorize_UnknownFeatureNeverTouchesLedger(t *testing.T) {
	d := &stubDebiter{}
	g, _ := New(d, nil)

	_, err := g.Authorize(context.Background(), "a", "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
	assert.Zero(t, d.calls)
}

func TestAuthorize_PropagatesStorageError(t *testing.T) {
	d := &stubDebiter{err: domain.ErrStorageUnavailable}
	g, _ := New(d, nil)

	res, err := g.Authorize(context.Background(), "a", domain.FeatureResumeChecker)
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.False(t, res.Granted)
}

func TestAuthorize_WithLedger(t *testing.T) {
	l := ledger.New(ledger.DefaultConfig(), memstore.New())
	g, err := New(l, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// balance 10 -> 3
	_, err = l.TryDebit(ctx, "a", 7, domain.FeatureUsage(domain.FeatureResumeBuilder))
	require.NoError(t, err)

	res, err := g.Authorize(ctx, "a", domain.FeatureRoadmapGenerator)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(0), res.Remaining)

	// balance 10 -> 2
	_, err = l.TryDebit(ctx, "b", 8, domain.FeatureUsage(domain.FeatureResumeBuilder))
	require.NoError(t, err)

	res, err = g.Authorize(ctx, "b", domain.FeatureRoadmapGenerator)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestNew_Overrides(t *testing.T) {
	g, err := New(&stubDebiter{}, map[domain.FeatureID]int64{
		domain.FeatureResumeChecker: 4,
		"interview-coach":           5,
	})
	require.NoError(t, err)

	c, _ := g.CostOf(domain.FeatureResumeChecker)
	assert.Equal(t, int64(4), c)
	c, _ = g.CostOf("interview-coach")
	assert.Equal(t, int64(5), c)

	costs := g.Costs()
	assert.Len(t, costs, 7)
	assert.Equal(t, domain.FeatureID("interview-coach"), costs[len(costs)-1].Feature)
}

func TestNew_RejectsNonPositiveCost(t *testing.T) {
	_, err := New(&stubDebiter{}, map[domain.FeatureID]int64{domain.FeatureResumeChecker: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
