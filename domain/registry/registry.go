// Package registry provides value types for registered upstream APIs and
// their issued keys. This package has NO dependencies on I/O.
package registry

import "github.com/artpar/metergate/domain/pricing"

// Entry represents a registered upstream API (immutable value type).
// Resolvable by either ID or Slug; both are unique within the registry.
type Entry struct {
	ID          string
	Slug        string
	BaseURL     string
	DeveloperID string
	Endpoints   []pricing.Endpoint
}

// Key represents an issued API key (immutable value type).
// Keys are looked up by raw value; issuance is out of scope.
type Key struct {
	ID          string
	Value       string // raw key value, the lookup handle
	DeveloperID string
	APIID       string
}

// Authorize checks a key against a resolved entry.
// A key authorizes exactly one API; any mismatch is reported as a single
// generic failure so callers cannot probe which part failed.
func Authorize(k Key, e Entry) bool {
	return k.APIID != "" && k.APIID == e.ID
}
