package budget

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config holds the admission controller knobs. The config package binds
// these to the env/file surface.
type Config struct {
	// MonthlyCallAllowance is the paid monthly quota M.
	MonthlyCallAllowance int64 `yaml:"monthly_call_allowance" mapstructure:"monthly_call_allowance"`

	// DailySafetyBufferPercent shaves b% off the allowance before the
	// daily spread: daily = (M × (100−b)/100) / daysInMonth.
	DailySafetyBufferPercent int64 `yaml:"daily_safety_buffer_percent" mapstructure:"daily_safety_buffer_percent"`

	// EmergencyRatio places the "approaching limit" threshold at
	// daily × ratio.
	EmergencyRatio float64 `yaml:"emergency_ratio" mapstructure:"emergency_ratio"`

	// PremiumValueThreshold is exposed for caller-side tier
	// classification; the controller itself is classification-agnostic.
	PremiumValueThreshold float64 `yaml:"premium_value_threshold" mapstructure:"premium_value_threshold"`
}

// DefaultConfig returns the standard admission knobs.
func DefaultConfig() Config {
	return Config{
		MonthlyCallAllowance:     1000,
		DailySafetyBufferPercent: 10,
		EmergencyRatio:           0.9,
		PremiumValueThreshold:    500000,
	}
}

// Tier is the caller-side work item classification.
type Tier string

const (
	TierPremium Tier = "premium"
	TierBasic   Tier = "basic"
)

// Reason codes for admission decisions.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonApproachingLimit Reason = "approaching_limit"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonLedgerError      Reason = "ledger_error"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Warn           bool   `json:"warn"`
	Reason         Reason `json:"reason"`
	DayUsed        int64  `json:"day_used"`
	MonthUsed      int64  `json:"month_used"`
	DailyBudget    int64  `json:"daily_budget"`
	SafeRemaining  int64  `json:"safe_remaining"`
}

// Controller gates costly external calls behind the persistent ledger.
// Ledger errors fail closed: the call is denied rather than risking quota
// overrun.
type Controller struct {
	cfg    Config
	ledger Ledger
	now    func() time.Time
}

// NewController creates an admission controller over a ledger.
func NewController(cfg Config, ledger Ledger) *Controller {
	if cfg.EmergencyRatio <= 0 {
		cfg.EmergencyRatio = 0.9
	}
	if cfg.DailySafetyBufferPercent < 0 || cfg.DailySafetyBufferPercent >= 100 {
		cfg.DailySafetyBufferPercent = 10
	}
	return &Controller{cfg: cfg, ledger: ledger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// DailyBudget computes the per-day call budget for the month containing t.
func (c *Controller) DailyBudget(t time.Time) int64 {
	usable := c.cfg.MonthlyCallAllowance * (100 - c.cfg.DailySafetyBufferPercent) / 100
	days := int64(daysInMonth(t))
	if days == 0 {
		return 0
	}
	b := usable / days
	if b < 1 && usable > 0 {
		b = 1
	}
	return b
}

// EmergencyThreshold is the warn line: daily budget × emergency ratio.
func (c *Controller) EmergencyThreshold(t time.Time) int64 {
	return int64(float64(c.DailyBudget(t)) * c.cfg.EmergencyRatio)
}

// Admit atomically checks and consumes one call for resource. Under the
// emergency threshold calls flow freely; between the threshold and the
// daily budget they are admitted with Warn set; at or above the daily
// budget they are denied until the day rolls over.
func (c *Controller) Admit(ctx context.Context, resource string) Decision {
	now := c.now().UTC()
	daily := c.DailyBudget(now)
	emergency := c.EmergencyThreshold(now)

	u, ok, err := c.ledger.TryAcquire(ctx, resource, now, daily, c.cfg.MonthlyCallAllowance)
	if err != nil {
		zap.L().Error("budget: ledger unavailable, failing closed",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return Decision{Allowed: false, Reason: ReasonLedgerError, DailyBudget: daily}
	}

	d := Decision{
		Allowed:       ok,
		DayUsed:       u.Day,
		MonthUsed:     u.Month,
		DailyBudget:   daily,
		SafeRemaining: daily - u.Day,
	}
	if d.SafeRemaining < 0 {
		d.SafeRemaining = 0
	}

	switch {
	case !ok:
		d.Reason = ReasonRateLimited
	case u.Day > emergency:
		d.Warn = true
		d.Reason = ReasonApproachingLimit
		zap.L().Warn("budget: approaching daily limit",
			zap.String("resource", resource),
			zap.Int64("day_used", u.Day),
			zap.Int64("daily_budget", daily),
		)
	default:
		d.Reason = ReasonOK
	}
	return d
}

// Remaining reports current usage without consuming budget, for callers
// doing tier classification.
func (c *Controller) Remaining(ctx context.Context, resource string) (Decision, error) {
	now := c.now().UTC()
	daily := c.DailyBudget(now)
	u, err := c.ledger.Usage(ctx, resource, now)
	if err != nil {
		return Decision{}, err
	}
	remaining := daily - u.Day
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:       remaining > 0,
		DayUsed:       u.Day,
		MonthUsed:     u.Month,
		DailyBudget:   daily,
		SafeRemaining: remaining,
	}, nil
}

// Classify buckets a work item by estimated value against the premium
// threshold. Premium items are worth an expensive verification call;
// basic items ride on cheaper bulk signals.
func (c *Controller) Classify(value float64) Tier {
	if c.cfg.PremiumValueThreshold > 0 && value >= c.cfg.PremiumValueThreshold {
		return TierPremium
	}
	return TierBasic
}

func daysInMonth(t time.Time) int {
	t = t.UTC()
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
