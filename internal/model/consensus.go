package model

import (
	"time"
)

// FieldStatus marks whether a field reached consensus.
type FieldStatus string

const (
	FieldStatusResolved    FieldStatus = "resolved"
	FieldStatusNoConsensus FieldStatus = "no_consensus"
)

// FieldConsensus is the agreement outcome for one compared field of one
// work unit.
type FieldConsensus struct {
	Key        string      `json:"key"`
	Kind       FieldKind   `json:"kind"`
	Status     FieldStatus `json:"status"`
	Confidence float64     `json:"confidence"`

	// Value of the winning vote. Number for numeric fields (weighted
	// median), Text for string fields, Members for id-set fields.
	Number  float64  `json:"number,omitempty"`
	Text    string   `json:"text,omitempty"`
	Members []string `json:"members,omitempty"`

	// Agreeing and Outliers partition the voters of a resolved field.
	// Both are empty when the field did not resolve.
	Agreeing []string `json:"agreeing,omitempty"`
	Outliers []string `json:"outliers,omitempty"`
}

// ResolutionMode records which strategy produced the result.
type ResolutionMode string

const (
	ResolutionMajority      ResolutionMode = "majority"
	ResolutionAuthoritative ResolutionMode = "authoritative"
)

// ConsensusResult is the evaluation of one work unit in one epoch. Computed
// exactly once, at quorum or at the epoch deadline, and never mutated.
type ConsensusResult struct {
	ID      string `json:"id"`
	EpochID string `json:"epoch_id"`
	UnitID  string `json:"unit_id"`

	Fields            []FieldConsensus `json:"fields"`
	OverallConfidence float64          `json:"overall_confidence"`
	Mode              ResolutionMode   `json:"mode"`

	// Unverified marks a low-confidence result the budget controller
	// declined to spot-check.
	Unverified bool `json:"unverified,omitempty"`

	// Flagged lists submitters caught by the synchronization check.
	Flagged []string `json:"flagged,omitempty"`

	// NonResponsive lists expected submitters that never reported (or
	// reported after the deadline).
	NonResponsive []string `json:"non_responsive,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// VerdictOutcome is the per-submitter pass/fail for one unit.
type VerdictOutcome string

const (
	VerdictPass       VerdictOutcome = "pass"
	VerdictFail       VerdictOutcome = "fail"
	VerdictFlagged    VerdictOutcome = "flagged"
	VerdictNoResponse VerdictOutcome = "no_response"
	VerdictNeutral    VerdictOutcome = "neutral"
)

// Verdict is the per-submitter outcome emitted alongside a ConsensusResult,
// consumed by the external scoring/reward system.
type Verdict struct {
	ID          string         `json:"id"`
	EpochID     string         `json:"epoch_id"`
	UnitID      string         `json:"unit_id"`
	SubmitterID string         `json:"submitter_id"`
	Outcome     VerdictOutcome `json:"outcome"`
	TrustAfter  float64        `json:"trust_after"`
	IssuedAt    time.Time      `json:"issued_at"`
}
