// Package ledger wraps a durable key-value store for the host node's
// local, single-writer state: job monitor checkpoint position, claim
// permits, and rate-limiter counters. Grounded on
// KV-backed ledger store (same key-prefix + single-writer pattern),
// repointed at this domain's state instead of CometBFT block metadata.
package ledger

import "errors"

// ErrNotFound is returned when a requested key has no value.
var ErrNotFound = errors.New("ledger: key not found")
