// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/registry"
	"github.com/artpar/metergate/domain/usage"
)

// Sentinel errors shared across store implementations.
var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates the request-id
	// uniqueness constraint. The constraint is what makes billing
	// exactly-once under concurrent duplicates.
	ErrDuplicate = errors.New("duplicate request id")
)

// Upstream failure classification.
var (
	// ErrUpstreamTimeout means the upstream did not answer within the deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnreachable means the upstream connection failed.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// RegistryStore resolves registered APIs and issued keys.
// Entries are provisioned externally and read-only to the gateway.
type RegistryStore interface {
	// Resolve retrieves an entry by slug or id. Returns ErrNotFound.
	Resolve(ctx context.Context, slugOrID string) (registry.Entry, error)

	// LookupKey retrieves a key record by its raw value. Returns ErrNotFound.
	LookupKey(ctx context.Context, rawKey string) (registry.Key, error)
}

// RateLimitStore holds per-key window state.
// Implementations must apply Check under mutual exclusion for the key;
// unrelated keys proceed in parallel.
type RateLimitStore interface {
	// GetAndCheck atomically loads state, runs the fixed-window check,
	// and persists the updated state.
	GetAndCheck(ctx context.Context, keyID string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error)
}

// UsageStore persists usage events, idempotent per request id.
type UsageStore interface {
	// Record stores an event. Returns false (and no error) when an event
	// with the same RequestID already exists; under concurrent calls with
	// one RequestID exactly one caller observes true.
	Record(ctx context.Context, e usage.Event) (bool, error)

	// Has reports whether an event exists for the request id.
	Has(ctx context.Context, requestID string) (bool, error)

	// AttachTxHash back-fills the settlement tx hash on an event recorded
	// before its deduction settled. An already-set hash is never
	// overwritten; a missing event is not an error.
	AttachTxHash(ctx context.Context, requestID, txHash string) error

	// List returns events, optionally filtered by raw API key.
	// An empty filter returns everything.
	List(ctx context.Context, apiKey string) ([]usage.Event, error)
}

// LedgerStore persists billing ledger entries.
// The backing storage must enforce a uniqueness constraint on RequestID.
type LedgerStore interface {
	// GetByRequestID retrieves an entry without attempting settlement.
	// Returns ErrNotFound.
	GetByRequestID(ctx context.Context, requestID string) (billing.Entry, error)

	// Begin opens a ledger transaction. Transactions are short-lived
	// writes; callers must never hold one open across an external call.
	Begin(ctx context.Context) (LedgerTx, error)
}

// LedgerTx is a single ledger transaction. Exactly one of Commit or
// Rollback must be called; Rollback after Commit is a no-op.
type LedgerTx interface {
	// InsertPending inserts the placeholder row for a deduction.
	// Returns ErrDuplicate when a concurrent deduction won the race.
	InsertPending(e billing.Entry) error

	// MarkSettled attaches the settlement tx hash to a pending entry.
	MarkSettled(id, txHash string) error

	// DeletePending removes a pending entry by id so a retry can settle
	// fresh. Settled entries are never deleted; a miss is not an error.
	DeletePending(id string) error

	Commit() error
	Rollback() error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// Settlement is the external system of record that moves value between
// accounts. DeductBalance may fail and must not be retried automatically.
type Settlement interface {
	// DeductBalance deducts amountUSDC from the developer's prepaid balance
	// and returns the settlement transaction hash.
	DeductBalance(ctx context.Context, developerID string, amountUSDC float64) (txHash string, err error)

	// GetBalance returns the current prepaid balance.
	GetBalance(ctx context.Context, developerID string) (float64, error)
}

// UpstreamResponse is a streaming upstream response.
// The caller owns Body and must close it.
type UpstreamResponse struct {
	Status       int
	Headers      map[string]string
	Body         io.ReadCloser
	UpstreamAddr string
	LatencyMs    int64
}

// Upstream forwards requests to a registered API's base URL.
type Upstream interface {
	// Forward sends the request to entry.BaseURL + req.SubPath and returns
	// the response with its body unread, ready for streaming. Failures are
	// classified with ErrUpstreamTimeout / ErrUpstreamUnreachable.
	Forward(ctx context.Context, entry registry.Entry, req proxy.Request, body io.Reader) (UpstreamResponse, error)
}
