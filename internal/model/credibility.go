package model

import (
	"time"
)

// CredibilityRecord is the long-lived trust state for one submitter
// identity. Score stays in [0,1]; updates blend toward a signal with a
// bounded step so one epoch can neither zero out a trusted submitter nor
// rehabilitate a bad one.
type CredibilityRecord struct {
	SubmitterID   string    `json:"submitter_id"`
	Score         float64   `json:"score"`
	Agreements    int64     `json:"agreements"`
	Disagreements int64     `json:"disagreements"`
	Anomalies     int64     `json:"anomalies"`
	NoResponses   int64     `json:"no_responses"`

	// NoResponseStreak counts consecutive non-responses. Neutral until it
	// crosses the configured streak threshold.
	NoResponseStreak int64 `json:"no_response_streak"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTrustScore seeds new submitters at a neutral midpoint.
const DefaultTrustScore = 0.5
