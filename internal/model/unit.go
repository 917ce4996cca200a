package model

// MarketTier classifies a work unit's market importance. Tier multipliers
// weight selection toward higher-value regions.
type MarketTier string

const (
	TierPrimary   MarketTier = "primary"
	TierSecondary MarketTier = "secondary"
	TierTertiary  MarketTier = "tertiary"
)

// WorkUnit is one addressable catalog entry: a geographic batch of records
// with a historical yield estimate. Reference data, immutable between
// catalog refreshes.
type WorkUnit struct {
	ID            string     `json:"id" yaml:"id"`
	Region        string     `json:"region" yaml:"region"`
	Tier          MarketTier `json:"tier" yaml:"tier"`
	ExpectedYield int64      `json:"expected_yield" yaml:"expected_yield"`

	// Optional tile bounds, lon/lat degrees. Zero bounds means unknown.
	MinLon float64 `json:"min_lon,omitempty" yaml:"min_lon"`
	MinLat float64 `json:"min_lat,omitempty" yaml:"min_lat"`
	MaxLon float64 `json:"max_lon,omitempty" yaml:"max_lon"`
	MaxLat float64 `json:"max_lat,omitempty" yaml:"max_lat"`
}

// Submitter is a registered collection agent identity. OwnerKey links
// identities under common control; the grouping diversity constraint keeps
// same-owner identities out of the same group.
type Submitter struct {
	ID       string `json:"id" yaml:"id"`
	OwnerKey string `json:"owner_key" yaml:"owner_key"`
	Secret   string `json:"-" yaml:"secret"`
	Class    string `json:"class,omitempty" yaml:"class"`
}

// SubmitterClassAggregator marks callers allowed to read historical
// assignment batches.
const SubmitterClassAggregator = "aggregator"
