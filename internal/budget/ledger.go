package budget

import (
	"context"
	"sync"
	"time"
)

// Usage is a point-in-time view of a resource's call counters.
type Usage struct {
	Day   int64 `json:"day"`
	Month int64 `json:"month"`
}

// Ledger is the persistent call counter behind the admission controller.
// TryAcquire must be atomic with respect to concurrent callers: no two
// callers may both pass a check that would jointly exceed a limit.
type Ledger interface {
	// TryAcquire increments the day and month counters for resource iff
	// both are below their limits, returning the post-increment usage and
	// whether the call was admitted. A monthLimit of 0 means no monthly
	// cap is enforced at the ledger level.
	TryAcquire(ctx context.Context, resource string, now time.Time, dayLimit, monthLimit int64) (Usage, bool, error)

	// Usage reads the current counters without incrementing.
	Usage(ctx context.Context, resource string, now time.Time) (Usage, error)

	Close() error
}

// DayKey and MonthKey format ledger period keys. Old keys age out of
// relevance as the calendar rolls over; nothing deletes them.
func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// MemoryLedger is an in-process Ledger for tests and single-shot commands.
type MemoryLedger struct {
	mu   sync.Mutex
	used map[string]int64
	fail error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{used: make(map[string]int64)}
}

// FailWith forces all subsequent calls to return err. Test hook for
// fail-closed behavior.
func (m *MemoryLedger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryLedger) key(resource, period string) string {
	return resource + "|" + period
}

func (m *MemoryLedger) TryAcquire(ctx context.Context, resource string, now time.Time, dayLimit, monthLimit int64) (Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Usage{}, false, m.fail
	}

	dayKey := m.key(resource, DayKey(now))
	monthKey := m.key(resource, MonthKey(now))
	u := Usage{Day: m.used[dayKey], Month: m.used[monthKey]}

	if u.Day >= dayLimit {
		return u, false, nil
	}
	if monthLimit > 0 && u.Month >= monthLimit {
		return u, false, nil
	}

	m.used[dayKey]++
	m.used[monthKey]++
	u.Day++
	u.Month++
	return u, true, nil
}

func (m *MemoryLedger) Usage(ctx context.Context, resource string, now time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Usage{}, m.fail
	}
	return Usage{
		Day:   m.used[m.key(resource, DayKey(now))],
		Month: m.used[m.key(resource, MonthKey(now))],
	}, nil
}

func (m *MemoryLedger) Close() error { return nil }
