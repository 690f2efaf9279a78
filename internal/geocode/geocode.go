// Package geocode defines the port to the address-resolution collaborator.
// Geocoding happens once, at exchange-definition time; check-ins never
// consult it.
package geocode

import (
	"context"
	"strings"

	"handoff/internal/exchange/models"
)

// Result is the collaborator's resolution of a street address.
type Result struct {
	Lat              float64
	Lng              float64
	FormattedAddress string
	Accuracy         models.GeocodeAccuracy
}

// Resolver resolves street addresses to coordinates.
type Resolver interface {
	Geocode(ctx context.Context, address string) (*Result, error)
}

// Static is a table-backed resolver for development and tests. Unknown
// addresses resolve to the configured fallback with fallback accuracy.
type Static struct {
	entries  map[string]Result
	fallback Result
}

// NewStatic creates a static resolver. fallback is returned, marked
// accuracy=fallback, for addresses not in the table.
func NewStatic(entries map[string]Result, fallback Result) *Static {
	normalized := make(map[string]Result, len(entries))
	for addr, res := range entries {
		normalized[normalize(addr)] = res
	}
	return &Static{entries: normalized, fallback: fallback}
}

func (s *Static) Geocode(ctx context.Context, address string) (*Result, error) {
	if res, ok := s.entries[normalize(address)]; ok {
		if res.Accuracy == "" {
			res.Accuracy = models.GeocodeExact
		}
		if res.FormattedAddress == "" {
			res.FormattedAddress = address
		}
		return &res, nil
	}
	res := s.fallback
	res.Accuracy = models.GeocodeFallback
	if res.FormattedAddress == "" {
		res.FormattedAddress = address
	}
	return &res, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}
