package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen rejects calls while the breaker cools down.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerState is the breaker position.
type BreakerState int

const (
	// BreakerClosed lets calls flow.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets a probe call through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when the breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long an open breaker waits before letting a
	// probe call through. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. Nil
	// means transient errors only; a permanent answer from a healthy
	// upstream never opens the breaker.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the standard breaker settings for outbound
// verification calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker short-circuits calls to an upstream that keeps failing, so a
// down verification source costs one probe per reset window instead of a
// full retry cycle per lookup.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State reports the breaker position, promoting open to half-open once the
// reset timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position()
}

func (b *Breaker) position() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.position() {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		b.state = BreakerHalfOpen
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		if b.state != BreakerClosed {
			zap.L().Info("resilience: circuit closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	// A half-open probe failure reopens immediately.
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != BreakerOpen {
			zap.L().Warn("resilience: circuit opened",
				zap.Int("consecutive_failures", b.failures),
				zap.Duration("reset_timeout", b.cfg.ResetTimeout),
			)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// Break runs fn through the breaker, returning ErrCircuitOpen without
// calling fn while the breaker is open.
func (b *Breaker) Break(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// BreakVal is Break preserving a typed result.
func BreakVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}
