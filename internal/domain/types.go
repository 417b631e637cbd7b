// Package domain defines the core types shared across the discovery, crawl,
// cache, and job subsystems.
package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict signals that a write collided with an existing record.
var ErrConflict = errors.New("record conflict")

// Tier ranks proxies by expected quality.
type Tier string

// Proxy tiers, best first.
const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// ParseTier maps free-form input to a Tier, defaulting to medium.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierHigh:
		return TierHigh
	case TierLow:
		return TierLow
	default:
		return TierMedium
	}
}

// Proxy is a network egress identity issued for one crawl attempt.
type Proxy struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Tier     Tier   `json:"tier"`
	Protocol string `json:"protocol"`
}

// Key identifies the proxy inside a pool.
func (p Proxy) Key() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// Server returns the proxy URL without credentials, as browsers expect it.
func (p Proxy) Server() string {
	protocol := p.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s", protocol, p.Key())
}

// HasAuth reports whether the proxy requires credentials.
func (p Proxy) HasAuth() bool {
	return p.Username != "" && p.Password != ""
}

// ProxyUsageRecord is appended after every crawl attempt.
type ProxyUsageRecord struct {
	ProxyAddress string        `json:"proxy_address"`
	Tier         Tier          `json:"tier"`
	TargetID     string        `json:"target_id"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorText    string        `json:"error_text,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// ProxyStats summarizes historical usage for one proxy address.
type ProxyStats struct {
	Attempts  int
	Successes int
}

// SuccessRate returns the fraction of successful attempts, 0.5 when unknown.
func (s ProxyStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0.5
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Listing captures the core facts of a restaurant as seen by a source.
type Listing struct {
	PlaceID        string  `json:"place_id,omitempty"`
	Name           string  `json:"name"`
	Address        string  `json:"address,omitempty"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	HasCoordinates bool    `json:"has_coordinates"`
	Rating         float64 `json:"rating"`
	ReviewCount    int     `json:"review_count"`
	PriceLevel     string  `json:"price_level,omitempty"`
	URL            string  `json:"url,omitempty"`
}

// ListingQuery describes a crawler search for restaurant listings.
type ListingQuery struct {
	Location string
	Query    string
	Lat      float64
	Lon      float64
	RadiusKm float64
}

// ListingsResult is the structured outcome of a listing crawl.
type ListingsResult struct {
	Listings []Listing
	Success  bool
	Error    string
	Attempts int
}

// ScrapedReview is a single review extracted from a rendered page.
type ScrapedReview struct {
	Author          string   `json:"author"`
	Rating          float64  `json:"rating"`
	Text            string   `json:"text"`
	RelativeTime    string   `json:"relative_time,omitempty"`
	PricePerPerson  string   `json:"price_per_person,omitempty"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
}

// CrawlResult is the structured outcome of a review crawl.
type CrawlResult struct {
	RestaurantID string
	Restaurant   Listing
	Reviews      []ScrapedReview
	Success      bool
	Error        string
	ProxyUsed    string
	Attempts     int
	Strategy     string
}

// Restaurant is the persisted view of a crawled or API-sourced restaurant.
type Restaurant struct {
	ID          string    `json:"id"`
	PlaceID     string    `json:"place_id,omitempty"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"review_count"`
	PriceLevel  string    `json:"price_level,omitempty"`
	URL         string    `json:"url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Provenance tags where a discovered restaurant came from.
type Provenance string

// Provenance values.
const (
	SourceScrape Provenance = "scrape"
	SourceAPI    Provenance = "api"
	SourceBoth   Provenance = "both"
)

// DiscoveredRestaurant is a ranked discovery candidate.
type DiscoveredRestaurant struct {
	Name           string     `json:"name"`
	PlaceID        string     `json:"place_id,omitempty"`
	Rating         float64    `json:"rating"`
	ReviewCount    int        `json:"review_count"`
	Address        string     `json:"address,omitempty"`
	Lat            float64    `json:"lat"`
	Lon            float64    `json:"lon"`
	HasCoordinates bool       `json:"has_coordinates"`
	PriceLevel     string     `json:"price_level,omitempty"`
	URL            string     `json:"url,omitempty"`
	Source         Provenance `json:"source"`
	Score          float64    `json:"score"`
}

// ProminenceScore ranks restaurants by rating weighted with log review volume.
func ProminenceScore(rating float64, reviewCount int) float64 {
	if reviewCount < 0 {
		reviewCount = 0
	}
	return rating * math.Log10(float64(reviewCount)+1)
}

// Analysis is the review-analysis verdict for one restaurant.
type Analysis struct {
	Score          float64  `json:"score"`
	PositivePoints []string `json:"positive_points"`
	NegativePoints []string `json:"negative_points"`
	Recommended    bool     `json:"recommended"`
	Summary        string   `json:"summary"`
}

// PlaceReview is a review snippet returned by the official places API.
type PlaceReview struct {
	Author       string  `json:"author"`
	Rating       float64 `json:"rating"`
	Text         string  `json:"text"`
	RelativeTime string  `json:"relative_time"`
}

// PlaceDetails is the detail payload of the official places API.
type PlaceDetails struct {
	Listing Listing       `json:"listing"`
	Reviews []PlaceReview `json:"reviews"`
}
