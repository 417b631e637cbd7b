// Package id provides ID generation helpers.
package id

import (
	"crypto/sha1" //nolint:gosec // identity hash, not security sensitive
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// ScrapeID derives a stable identifier for restaurants that have no external
// place identifier.
func ScrapeID(name, address string) string {
	seed := strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(address))
	sum := sha1.Sum([]byte(seed)) //nolint:gosec // see import
	return "scrape_" + hex.EncodeToString(sum[:])[:16]
}

// RestaurantID prefers the external place identifier and falls back to ScrapeID.
func RestaurantID(placeID, name, address string) string {
	if placeID != "" {
		return placeID
	}
	return ScrapeID(name, address)
}
