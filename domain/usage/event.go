// Package usage provides usage event types and the recordable-status policy.
// All functions are pure - no side effects.
package usage

import "time"

// Event represents a single metered usage event (immutable value type).
// RequestID is the idempotency key: at most one event may ever exist per
// RequestID. An event is never mutated after creation except to attach the
// settlement transaction hash.
type Event struct {
	ID          string
	RequestID   string
	APIKey      string
	APIKeyID    string
	APIID       string
	EndpointID  string
	DeveloperID string
	AmountUSDC  float64
	StatusCode  int
	Timestamp   time.Time

	// SettlementTxHash is attached after the external deduction succeeds.
	SettlementTxHash string
}

// IsError reports whether the recorded upstream status was a failure.
func (e Event) IsError() bool {
	return e.StatusCode >= 400
}

// RecordablePolicy decides whether an upstream status code should trigger
// usage and billing recording (value type).
type RecordablePolicy struct {
	// Predicate overrides the default when non-nil.
	Predicate func(status int) bool
}

// DefaultRecordable is the shipped policy: 2xx only.
var DefaultRecordable = RecordablePolicy{}

// RecordAll accepts every status code.
var RecordAll = RecordablePolicy{Predicate: func(int) bool { return true }}

// Recordable applies the policy to a status code.
func (p RecordablePolicy) Recordable(status int) bool {
	if p.Predicate != nil {
		return p.Predicate(status)
	}
	return status >= 200 && status < 300
}
