// Package billing provides value types for the settlement ledger.
package billing

import "time"

// EntryStatus tracks the lifecycle of a ledger entry.
type EntryStatus string

const (
	// StatusPending marks the placeholder row inserted before the
	// settlement call. A pending row never survives a failed settlement.
	StatusPending EntryStatus = "pending"
	// StatusSettled marks an entry whose deduction completed.
	StatusSettled EntryStatus = "settled"
)

// Entry represents one balance deduction keyed by its idempotency requestID
// (value type). At most one entry may ever exist per RequestID.
type Entry struct {
	ID          string
	RequestID   string
	DeveloperID string
	APIID       string
	EndpointID  string
	APIKeyID    string
	AmountUSDC  float64
	TxHash      string
	Status      EntryStatus
	CreatedAt   time.Time
}

// DeductResult is the outcome of a ledger deduction (value type).
// All callers sharing a RequestID observe the same UsageEventID and TxHash;
// only the first observes AlreadyProcessed=false.
type DeductResult struct {
	UsageEventID     string
	TxHash           string
	AlreadyProcessed bool
}

// ResultOf converts a persisted entry into the caller-facing result.
func ResultOf(e Entry, alreadyProcessed bool) DeductResult {
	return DeductResult{
		UsageEventID:     e.ID,
		TxHash:           e.TxHash,
		AlreadyProcessed: alreadyProcessed,
	}
}
