package credibility

import (
	"context"
	"sync"
	"time"

	"github.com/gridharvest/coordinator/internal/model"
)

// UpdateKind tells the store which counter to bump alongside the score
// blend.
type UpdateKind string

const (
	KindAgreement    UpdateKind = "agreement"
	KindDisagreement UpdateKind = "disagreement"
	KindAnomaly      UpdateKind = "anomaly"
	KindNoResponse   UpdateKind = "no_response"
)

// Update is one bounded trust adjustment: new = old + alpha × (signal −
// old), clamped to [0,1]. The EMA blend keeps a single epoch from zeroing
// a long-trusted submitter or rehabilitating a bad one.
type Update struct {
	Kind   UpdateKind
	Signal float64
	Alpha  float64
}

// Store holds long-lived credibility records. Apply is an atomic
// read-modify-write per submitter; unrelated submitters never serialize on
// each other beyond the storage engine's own locking.
type Store interface {
	// Get returns the record for a submitter, seeding a fresh one at the
	// default score when none exists.
	Get(ctx context.Context, submitterID string) (model.CredibilityRecord, error)

	// Apply blends one update into the record and returns the result.
	Apply(ctx context.Context, submitterID string, u Update) (model.CredibilityRecord, error)

	// List returns all known records.
	List(ctx context.Context) ([]model.CredibilityRecord, error)

	Close() error
}

// Blend applies the EMA step and clamps the result.
func Blend(old float64, u Update) float64 {
	score := old + u.Alpha*(u.Signal-old)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func bump(rec *model.CredibilityRecord, kind UpdateKind) {
	switch kind {
	case KindAgreement:
		rec.Agreements++
		rec.NoResponseStreak = 0
	case KindDisagreement:
		rec.Disagreements++
		rec.NoResponseStreak = 0
	case KindAnomaly:
		rec.Anomalies++
	case KindNoResponse:
		rec.NoResponses++
		rec.NoResponseStreak++
	}
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.CredibilityRecord
}

// NewMemoryStore creates an empty in-memory credibility store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.CredibilityRecord)}
}

func (m *MemoryStore) get(submitterID string) model.CredibilityRecord {
	if rec, ok := m.records[submitterID]; ok {
		return rec
	}
	return model.CredibilityRecord{
		SubmitterID: submitterID,
		Score:       model.DefaultTrustScore,
	}
}

func (m *MemoryStore) Get(ctx context.Context, submitterID string) (model.CredibilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(submitterID), nil
}

func (m *MemoryStore) Apply(ctx context.Context, submitterID string, u Update) (model.CredibilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(submitterID)
	rec.Score = Blend(rec.Score, u)
	bump(&rec, u.Kind)
	rec.UpdatedAt = time.Now().UTC()
	m.records[submitterID] = rec
	return rec, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]model.CredibilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CredibilityRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
