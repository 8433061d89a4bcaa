// Package state implements the per-unit install attempt records and the
// retry decision logic that bounds repeated install failures.
package state

import (
	"time"
)

// Status values for an install attempt record.
const (
	StatusInstalled = "installed"
	StatusFailed    = "failed"
)

// Record tracks the install history of one unit.
type Record struct {
	Status        string `json:"status"`
	LastAttempt   string `json:"last_attempt"`
	RetryCount    int    `json:"retry_count"`
	FirstFailedAt string `json:"first_failed_at,omitempty"`
}

// Decision is the outcome of evaluating a unit against its record.
type Decision int

const (
	// Skip means no attempt is due right now.
	Skip Decision = iota
	// Attempt means an install should be tried this pass.
	Attempt
	// Abandon means the retry budget is exhausted; only a manual reset
	// (deleting the record) re-enables attempts.
	Abandon
)

func (d Decision) String() string {
	switch d {
	case Attempt:
		return "attempt"
	case Abandon:
		return "abandon"
	default:
		return "skip"
	}
}

// Policy bounds the retry behavior.
type Policy struct {
	RetryInterval time.Duration
	MaxRetries    int
}

// Decide returns what to do for a unit given its record and whether the
// unit is currently present in the observed local state.
//
// An unparseable last-attempt timestamp counts as infinitely old, making
// the unit eligible immediately. Failing open here avoids a permanent
// stall on a corrupt record.
func Decide(rec *Record, present bool, now time.Time, pol Policy) Decision {
	if present {
		return Skip
	}
	if rec == nil {
		return Attempt
	}
	if rec.Status == StatusInstalled {
		// Installed per our record but gone from the machine: reinstall.
		return Attempt
	}
	if rec.RetryCount > pol.MaxRetries {
		return Abandon
	}
	if now.Sub(parseStamp(rec.LastAttempt)) < pol.RetryInterval {
		return Skip
	}
	return Attempt
}

// Apply folds an attempt outcome into a new record. Success always resets
// the retry counter; consecutive failures increment it and keep the first
// failure timestamp from the previous record.
func Apply(prev *Record, success bool, now time.Time) Record {
	stamp := now.UTC().Format(time.RFC3339)
	if success {
		return Record{Status: StatusInstalled, LastAttempt: stamp, RetryCount: 0}
	}
	next := Record{Status: StatusFailed, LastAttempt: stamp, RetryCount: 1, FirstFailedAt: stamp}
	if prev != nil && prev.Status == StatusFailed {
		next.RetryCount = prev.RetryCount + 1
		if prev.FirstFailedAt != "" {
			next.FirstFailedAt = prev.FirstFailedAt
		}
	}
	return next
}

func parseStamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
