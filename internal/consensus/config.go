package consensus

import (
	"time"
)

// Config holds the validation engine's policy knobs. The thresholds are
// tunable parameters, not derived optima.
type Config struct {
	// ResolveThreshold is the minimum agreement confidence for a field to
	// count as resolved. Below it the field is "no consensus" and neither
	// rewards nor penalizes anyone.
	ResolveThreshold float64 `yaml:"resolve_threshold" mapstructure:"resolve_threshold"`

	// EscalationThreshold triggers a budget-gated spot check when the
	// overall unit confidence falls below it.
	EscalationThreshold float64 `yaml:"escalation_threshold" mapstructure:"escalation_threshold"`

	// SyncWindow is the submit-time proximity that, combined with an
	// identical content digest, flags suspected collusion.
	SyncWindow time.Duration `yaml:"sync_window" mapstructure:"sync_window"`

	// NumericRelTolerance and NumericAbsTolerance define the agreement
	// band around a numeric consensus value.
	NumericRelTolerance float64 `yaml:"numeric_rel_tolerance" mapstructure:"numeric_rel_tolerance"`
	NumericAbsTolerance float64 `yaml:"numeric_abs_tolerance" mapstructure:"numeric_abs_tolerance"`

	// JaccardTolerance is the minimum set overlap to count as agreeing on
	// an id-set field.
	JaccardTolerance float64 `yaml:"jaccard_tolerance" mapstructure:"jaccard_tolerance"`

	// Credibility blend steps. Anomalies move the score harder than
	// ordinary disagreement.
	AgreeAlpha      float64 `yaml:"agree_alpha" mapstructure:"agree_alpha"`
	OutlierAlpha    float64 `yaml:"outlier_alpha" mapstructure:"outlier_alpha"`
	AnomalyAlpha    float64 `yaml:"anomaly_alpha" mapstructure:"anomaly_alpha"`
	NoResponseAlpha float64 `yaml:"no_response_alpha" mapstructure:"no_response_alpha"`

	// NoResponseStreak is how many consecutive non-responses stay neutral
	// before they become a negative signal.
	NoResponseStreak int64 `yaml:"no_response_streak" mapstructure:"no_response_streak"`

	// MaxConcurrency bounds the evaluation fan-out across units.
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`

	// SpotCheckResource is the budget ledger key for verification calls.
	SpotCheckResource string `yaml:"spot_check_resource" mapstructure:"spot_check_resource"`
}

// DefaultConfig returns the standard engine knobs.
func DefaultConfig() Config {
	return Config{
		ResolveThreshold:    0.6,
		EscalationThreshold: 0.7,
		SyncWindow:          30 * time.Second,
		NumericRelTolerance: 0.05,
		NumericAbsTolerance: 2,
		JaccardTolerance:    0.8,
		AgreeAlpha:          0.05,
		OutlierAlpha:        0.08,
		AnomalyAlpha:        0.25,
		NoResponseAlpha:     0.05,
		NoResponseStreak:    3,
		MaxConcurrency:      8,
		SpotCheckResource:   "ground_truth",
	}
}
