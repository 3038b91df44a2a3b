// Package pricing provides pure endpoint price resolution.
// All functions are deterministic - same input always produces same output.
package pricing

import (
	"sort"
	"strings"
)

// Wildcard is the catch-all path pattern.
const Wildcard = "*"

// Endpoint represents a priced endpoint of a registered API (value type).
type Endpoint struct {
	ID          string
	PathPattern string  // "/data", "/v2/search", or "*" for catch-all
	PriceUSDC   float64 // price per call in USDC
}

// Resolve maps a request sub-path to an endpoint price.
// This is a PURE, TOTAL function - it never fails.
//
// Resolution order:
//  1. Longest matching non-wildcard prefix pattern. The sort is stable, so
//     equal-length patterns keep their original registry order.
//  2. The wildcard ("*") entry, if present.
//  3. A synthetic zero-price default.
func Resolve(endpoints []Endpoint, subPath string) Endpoint {
	path := Normalize(subPath)

	candidates := make([]Endpoint, 0, len(endpoints))
	var wildcard *Endpoint
	for i, ep := range endpoints {
		if ep.PathPattern == Wildcard {
			if wildcard == nil {
				wildcard = &endpoints[i]
			}
			continue
		}
		candidates = append(candidates, ep)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].PathPattern) > len(candidates[j].PathPattern)
	})

	for _, ep := range candidates {
		if strings.HasPrefix(path, Normalize(ep.PathPattern)) {
			return ep
		}
	}

	if wildcard != nil {
		return *wildcard
	}

	return Endpoint{PathPattern: Wildcard, PriceUSDC: 0}
}

// Normalize converts a sub-path to leading-slash form.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
