package ledger

import "time"

// CheckpointPosition is the Job Monitor's durable log-scan checkpoint.
type CheckpointPosition struct {
	LastProcessedBlock uint64    `json:"lastProcessedBlock"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ClaimPermitState records the set of job ids this host currently
// holds a local concurrency permit for, surviving process restarts.
type ClaimPermitState struct {
	JobIDs []string `json:"jobIds"`
}

// RateLimiterState is the persisted fixed-window counter for a
// single rate-limit bucket (per-message-kind limits, vector-loader
// download limit).
type RateLimiterState struct {
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
}
