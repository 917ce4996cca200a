package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridharvest/coordinator/internal/model"
)

// MemoryStore is an in-process Store for tests and single-node trials.
type MemoryStore struct {
	mu          sync.Mutex
	batches     map[string]*model.AssignmentBatch
	submissions map[string]model.Submission // key epoch|unit|submitter
	results     map[string]*model.ConsensusResult
	verdicts    []model.Verdict
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[string]*model.AssignmentBatch),
		submissions: make(map[string]model.Submission),
		results:     make(map[string]*model.ConsensusResult),
	}
}

func (m *MemoryStore) SaveBatch(ctx context.Context, batch *model.AssignmentBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[batch.EpochID]; exists {
		return nil // first write wins
	}
	cp := *batch
	m.batches[batch.EpochID] = &cp
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, epochID string) (*model.AssignmentBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[epochID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) RecentUnitIDs(ctx context.Context, since time.Time) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := make(map[string]bool)
	for _, b := range m.batches {
		if b.EpochStart.Before(since) {
			continue
		}
		for _, id := range b.UnitIDs {
			recent[id] = true
		}
	}
	return recent, nil
}

func (m *MemoryStore) PruneBatches(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int
	for id, b := range m.batches {
		if b.EpochStart.Before(before) {
			delete(m.batches, id)
			pruned++
		}
	}
	return pruned, nil
}

func subKey(epochID, unitID, submitterID string) string {
	return epochID + "|" + unitID + "|" + submitterID
}

func (m *MemoryStore) UpsertSubmission(ctx context.Context, sub model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.submissions[subKey(sub.EpochID, sub.UnitID, sub.SubmitterID)] = sub
	return nil
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, epochID, unitID string) ([]model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Submission
	for _, s := range m.submissions {
		if s.EpochID == epochID && s.UnitID == unitID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) SubmissionsByUnit(ctx context.Context, epochID string) (map[string][]model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]model.Submission)
	for _, s := range m.submissions {
		if s.EpochID == epochID {
			out[s.UnitID] = append(out[s.UnitID], s)
		}
	}
	return out, nil
}

func resultKey(epochID, unitID string) string {
	return epochID + "|" + unitID
}

func (m *MemoryStore) SaveResult(ctx context.Context, res *model.ConsensusResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resultKey(res.EpochID, res.UnitID)
	if _, exists := m.results[key]; exists {
		return false, nil // first write wins
	}
	cp := *res
	m.results[key] = &cp
	return true, nil
}

func (m *MemoryStore) HasResult(ctx context.Context, epochID, unitID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[resultKey(epochID, unitID)]
	return ok, nil
}

func (m *MemoryStore) ListResults(ctx context.Context, epochID string) ([]model.ConsensusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsensusResult
	for _, r := range m.results {
		if r.EpochID == epochID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveVerdicts(ctx context.Context, verdicts []model.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range verdicts {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		m.verdicts = append(m.verdicts, v)
	}
	return nil
}

func (m *MemoryStore) ListVerdicts(ctx context.Context, epochID string) ([]model.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Verdict
	for _, v := range m.verdicts {
		if v.EpochID == epochID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MemoryStore) Participation(ctx context.Context, epochID string) (*Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Participation{EpochID: epochID}
	submitters := make(map[string]bool)
	units := make(map[string]bool)
	for _, s := range m.submissions {
		if s.EpochID != epochID {
			continue
		}
		p.Submissions++
		submitters[s.SubmitterID] = true
		units[s.UnitID] = true
	}
	p.Submitters = len(submitters)
	p.UnitsReported = len(units)
	for _, r := range m.results {
		if r.EpochID == epochID {
			p.ResultsComputed++
		}
	}
	return p, nil
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
