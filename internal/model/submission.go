package model

import (
	"time"
)

// Submission is one submitter's reported result for one work unit within
// one epoch. At most one accepted submission per (submitter, unit, epoch);
// re-submissions before the deadline replace the earlier row.
type Submission struct {
	ID          string    `json:"id"`
	EpochID     string    `json:"epoch_id"`
	UnitID      string    `json:"unit_id"`
	SubmitterID string    `json:"submitter_id"`
	StartedAt   time.Time `json:"started_at"`
	SubmittedAt time.Time `json:"submitted_at"`

	// RecordCount is the submitter's reported total for the unit.
	RecordCount int64 `json:"record_count"`

	// RecordDigest is a content digest over the full reported record set,
	// used for the collusion/replay check.
	RecordDigest string `json:"record_digest"`

	// RecordIDs is a sample of record identifiers for set-overlap
	// comparison. The full record set stays with external storage.
	RecordIDs []string `json:"record_ids,omitempty"`

	// Fields holds additional attribute values compared per field.
	Fields map[string]FieldVote `json:"fields,omitempty"`

	DurationSecs int64 `json:"duration_secs,omitempty"`
}

// FieldKind discriminates how a field's votes are compared.
type FieldKind string

const (
	FieldKindNumeric FieldKind = "numeric"
	FieldKindString  FieldKind = "string"
	FieldKindIDSet   FieldKind = "id_set"
)

// FieldVote is one submitter's value for one compared field.
type FieldVote struct {
	Kind    FieldKind `json:"kind"`
	Number  float64   `json:"number,omitempty"`
	Text    string    `json:"text,omitempty"`
	Members []string  `json:"members,omitempty"`
}

// Reserved field keys populated by the engine from the submission envelope.
const (
	FieldRecordCount = "record_count"
	FieldRecordIDs   = "record_ids"
)
