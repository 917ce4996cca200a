package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/model"
)

func numericVote(id string, w, n float64) vote {
	return vote{submitterID: id, weight: w, value: model.FieldVote{Kind: model.FieldKindNumeric, Number: n}}
}

func textVote(id string, w float64, s string) vote {
	return vote{submitterID: id, weight: w, value: model.FieldVote{Kind: model.FieldKindString, Text: s}}
}

func setVote(id string, w float64, members ...string) vote {
	return vote{submitterID: id, weight: w, value: model.FieldVote{Kind: model.FieldKindIDSet, Members: members}}
}

func TestResolveFieldNumeric(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// Three close counts and one wild outlier.
	votes := []vote{
		numericVote("s-1", 0.5, 100),
		numericVote("s-2", 0.5, 102),
		numericVote("s-3", 0.5, 98),
		numericVote("s-4", 0.5, 400),
	}
	fc := resolveField(model.FieldRecordCount, model.FieldKindNumeric, votes, cfg)

	assert.Equal(t, model.FieldStatusResolved, fc.Status)
	assert.InDelta(t, 0.75, fc.Confidence, 1e-9)
	assert.Equal(t, []string{"s-1", "s-2", "s-3"}, fc.Agreeing)
	assert.Equal(t, []string{"s-4"}, fc.Outliers)
	// Weighted median of 98,100,102,400 with equal weights.
	assert.InDelta(t, 100, fc.Number, 1e-9)
}

func TestResolveFieldNumericWeightedByTrust(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// A heavy trusted voter outweighs two light ones.
	votes := []vote{
		numericVote("s-trusted", 0.9, 100),
		numericVote("s-new-1", 0.1, 500),
		numericVote("s-new-2", 0.1, 500),
	}
	fc := resolveField(model.FieldRecordCount, model.FieldKindNumeric, votes, cfg)

	require.Equal(t, model.FieldStatusResolved, fc.Status)
	assert.InDelta(t, 100, fc.Number, 1e-9)
	assert.Equal(t, []string{"s-trusted"}, fc.Agreeing)
}

func TestResolveFieldNoConsensus(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// An even split cannot clear the 0.6 threshold.
	votes := []vote{
		textVote("s-1", 0.5, "acme llc"),
		textVote("s-2", 0.5, "acme inc"),
	}
	fc := resolveField("company_name", model.FieldKindString, votes, cfg)

	assert.Equal(t, model.FieldStatusNoConsensus, fc.Status)
	assert.InDelta(t, 0.5, fc.Confidence, 1e-9)
	// Unresolved fields report no partitions: nobody is rewarded or
	// penalized for them.
	assert.Empty(t, fc.Agreeing)
	assert.Empty(t, fc.Outliers)
}

func TestResolveFieldStringMajority(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	votes := []vote{
		textVote("s-1", 0.6, "open"),
		textVote("s-2", 0.6, "open"),
		textVote("s-3", 0.4, "closed"),
	}
	fc := resolveField("status", model.FieldKindString, votes, cfg)

	require.Equal(t, model.FieldStatusResolved, fc.Status)
	assert.Equal(t, "open", fc.Text)
	assert.Equal(t, []string{"s-1", "s-2"}, fc.Agreeing)
	assert.Equal(t, []string{"s-3"}, fc.Outliers)
}

func TestResolveFieldIDSet(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	votes := []vote{
		setVote("s-1", 0.5, "a", "b", "c", "d", "e"),
		setVote("s-2", 0.5, "a", "b", "c", "d", "e"),
		setVote("s-3", 0.5, "a", "b", "c", "d", "f"),    // 4/6 overlap, below 0.8
		setVote("s-4", 0.5, "x", "y"),
	}
	fc := resolveField(model.FieldRecordIDs, model.FieldKindIDSet, votes, cfg)

	require.Equal(t, model.FieldStatusNoConsensus, fc.Status)
	assert.InDelta(t, 0.5, fc.Confidence, 1e-9)

	// With a friendlier overlap tolerance the same votes resolve.
	cfg.JaccardTolerance = 0.6
	fc = resolveField(model.FieldRecordIDs, model.FieldKindIDSet, votes, cfg)
	require.Equal(t, model.FieldStatusResolved, fc.Status)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, fc.Members)
	assert.Equal(t, []string{"s-1", "s-2", "s-3"}, fc.Agreeing)
	assert.Equal(t, []string{"s-4"}, fc.Outliers)
}

func TestResolveFieldEmptyVotes(t *testing.T) {
	t.Parallel()
	fc := resolveField("anything", model.FieldKindNumeric, nil, DefaultConfig())
	assert.Equal(t, model.FieldStatusNoConsensus, fc.Status)
	assert.Zero(t, fc.Confidence)
}

func TestWeightedMajorityTieBreaksLexicographically(t *testing.T) {
	t.Parallel()
	votes := []vote{
		textVote("s-1", 0.5, "beta"),
		textVote("s-2", 0.5, "alpha"),
	}
	assert.Equal(t, "alpha", weightedMajority(votes))
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"partial", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"both empty", nil, nil, 1},
		{"one empty", []string{"a"}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestNumericAgrees(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig() // abs 2, rel 5%

	assert.True(t, numericAgrees(100, 102, cfg))   // within abs band
	assert.True(t, numericAgrees(1040, 1000, cfg)) // within rel band
	assert.False(t, numericAgrees(1100, 1000, cfg))
	assert.True(t, numericAgrees(0, 2, cfg)) // abs band dominates near zero
}
