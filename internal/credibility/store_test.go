package credibility

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/model"
)

func TestBlend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		old    float64
		update Update
		want   float64
	}{
		{"agreement pulls up", 0.5, Update{Signal: 1, Alpha: 0.05}, 0.525},
		{"disagreement pulls down", 0.5, Update{Signal: 0, Alpha: 0.08}, 0.46},
		{"anomaly hits harder", 0.5, Update{Signal: 0, Alpha: 0.25}, 0.375},
		{"clamped at one", 0.99, Update{Signal: 5, Alpha: 0.5}, 1},
		{"clamped at zero", 0.01, Update{Signal: -5, Alpha: 0.5}, 0},
		{"zero alpha is a no-op", 0.7, Update{Signal: 0, Alpha: 0}, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, Blend(tt.old, tt.update), 1e-9)
		})
	}
}

func TestBlendIsBounded(t *testing.T) {
	t.Parallel()

	// A long run of maximal penalties never leaves [0,1] and never
	// reaches exactly zero from a positive score with alpha < 1.
	score := 0.9
	for i := 0; i < 100; i++ {
		score = Blend(score, Update{Signal: 0, Alpha: 0.25})
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)
	}
	assert.Less(t, score, 0.01)
}

func TestMemoryStoreSeedsDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Get(ctx, "s-new")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTrustScore, rec.Score)
	assert.Zero(t, rec.Agreements)
}

func TestMemoryStoreApplyCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Apply(ctx, "s-1", Update{Kind: KindAgreement, Signal: 1, Alpha: 0.05})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Agreements)
	assert.Greater(t, rec.Score, model.DefaultTrustScore)

	rec, err = s.Apply(ctx, "s-1", Update{Kind: KindAnomaly, Signal: 0, Alpha: 0.25})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Anomalies)
	assert.Less(t, rec.Score, model.DefaultTrustScore)
}

func TestNoResponseStreak(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	for i := int64(1); i <= 3; i++ {
		rec, err := s.Apply(ctx, "s-quiet", Update{Kind: KindNoResponse})
		require.NoError(t, err)
		assert.Equal(t, i, rec.NoResponseStreak)
	}

	// A response of any kind resets the streak.
	rec, err := s.Apply(ctx, "s-quiet", Update{Kind: KindAgreement, Signal: 1, Alpha: 0.05})
	require.NoError(t, err)
	assert.Zero(t, rec.NoResponseStreak)
	assert.Equal(t, int64(3), rec.NoResponses)
}
