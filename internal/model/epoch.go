package model

import (
	"time"
)

// EpochStatus represents the lifecycle state of an epoch.
type EpochStatus string

const (
	EpochStatusOpen   EpochStatus = "open"
	EpochStatusClosed EpochStatus = "closed"
)

// Epoch is one fixed-duration scheduling window. Epochs are contiguous and
// non-overlapping; exactly one epoch is current at any instant. The ID is
// derived from the window start, so every aggregator computes the same one.
type Epoch struct {
	ID       string      `json:"id"`
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Deadline time.Time   `json:"deadline"`
	Status   EpochStatus `json:"status"`
}

// Contains reports whether t falls inside the epoch window [Start, End).
func (e Epoch) Contains(t time.Time) bool {
	return !t.Before(e.Start) && t.Before(e.End)
}

// AssignmentStatus describes the outcome of building an epoch's assignment.
type AssignmentStatus string

const (
	// AssignmentStatusOK means selection landed inside the tolerance band
	// and at least one submitter group was formed.
	AssignmentStatusOK AssignmentStatus = "ok"

	// AssignmentStatusClosestFit means no combination hit the band within
	// the sampling attempt budget; the closest total found was kept.
	AssignmentStatusClosestFit AssignmentStatus = "closest_fit"

	// AssignmentStatusNoSubmitters means the eligible pool was empty and
	// the epoch was published with zero groups. Downstream consumers must
	// treat this as a no-op epoch.
	AssignmentStatusNoSubmitters AssignmentStatus = "no_submitters"

	// AssignmentStatusNoCandidates means no catalog units passed the
	// cooldown and yield-band filters.
	AssignmentStatusNoCandidates AssignmentStatus = "no_candidates"
)

// AssignmentBatch is the full work distribution for one epoch. Built once
// per epoch by the assignment manager and read-only afterward.
type AssignmentBatch struct {
	EpochID       string           `json:"epoch_id"`
	EpochStart    time.Time        `json:"epoch_start"`
	EpochEnd      time.Time        `json:"epoch_end"`
	Deadline      time.Time        `json:"deadline"`
	Token         string           `json:"token"`
	TargetYield   int64            `json:"target_yield"`
	Tolerance     float64          `json:"tolerance"`
	SelectedYield int64            `json:"selected_yield"`
	UnitIDs       []string         `json:"unit_ids"`
	Groups        []SubmitterGroup `json:"groups"`
	Status        AssignmentStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// SubmitterGroup is a set of submitters assigned the same subset of work
// units. Groups with the same unit set but different overlap indexes scrape
// the same units independently for cross-checking.
type SubmitterGroup struct {
	UnitIDs      []string `json:"unit_ids"`
	SubmitterIDs []string `json:"submitter_ids"`
	OverlapIndex int      `json:"overlap_index"`
}

// GroupsForUnit returns every group in the batch that covers unitID.
func (b *AssignmentBatch) GroupsForUnit(unitID string) []SubmitterGroup {
	var out []SubmitterGroup
	for _, g := range b.Groups {
		for _, id := range g.UnitIDs {
			if id == unitID {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// ExpectedSubmitters returns the deduplicated submitter set assigned to
// unitID across all overlap groups.
func (b *AssignmentBatch) ExpectedSubmitters(unitID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range b.GroupsForUnit(unitID) {
		for _, sid := range g.SubmitterIDs {
			if !seen[sid] {
				seen[sid] = true
				out = append(out, sid)
			}
		}
	}
	return out
}
