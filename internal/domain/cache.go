package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// CacheStatus is the lifecycle state persisted on a cache entry.
type CacheStatus string

// Cache entry statuses.
const (
	CacheFresh      CacheStatus = "fresh"
	CacheStale      CacheStatus = "stale"
	CacheRefreshing CacheStatus = "refreshing"
	CacheFailed     CacheStatus = "failed"
)

// CacheKey identifies a logical query. Build it with NewCacheKey so identical
// queries always collide.
type CacheKey struct {
	Query    string  `json:"query"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
}

// NewCacheKey normalizes the query text and rounds coordinates to 4 decimals.
func NewCacheKey(query string, lat, lon, radiusKm float64) CacheKey {
	return CacheKey{
		Query:    NormalizeQuery(query),
		Lat:      round(lat, 4),
		Lon:      round(lon, 4),
		RadiusKm: round(radiusKm, 2),
	}
}

// String renders the storage form of the key.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%.4f|%.4f|%.2f", k.Query, k.Lat, k.Lon, k.RadiusKm)
}

// NormalizeQuery lowercases with Turkish casing rules and collapses whitespace.
func NormalizeQuery(query string) string {
	lowered := strings.ToLowerSpecial(unicode.TurkishCase, query)
	return strings.Join(strings.Fields(lowered), " ")
}

func round(v float64, places int) float64 {
	pow := math.Pow10(places)
	r := math.Round(v*pow) / pow
	if r == 0 {
		return 0
	}
	return r
}

// CachedAnalysisResult is one ranked, analyzed restaurant inside a cache entry.
type CachedAnalysisResult struct {
	RestaurantID    string   `json:"restaurant_id"`
	Name            string   `json:"name"`
	Address         string   `json:"address,omitempty"`
	URL             string   `json:"url,omitempty"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	Rating          float64  `json:"rating"`
	ReviewCount     int      `json:"review_count"`
	Source          string   `json:"source"`
	Score           float64  `json:"score"`
	Summary         string   `json:"summary"`
	PositivePoints  []string `json:"positive_points,omitempty"`
	NegativePoints  []string `json:"negative_points,omitempty"`
	Recommended     bool     `json:"recommended"`
	KeywordRating   *float64 `json:"keyword_rating,omitempty"`
	DistanceKm      float64  `json:"distance_km"`
	ReviewsAnalyzed int      `json:"reviews_analyzed"`
}

// CacheEntry is the cached, enriched result set for one CacheKey.
type CacheEntry struct {
	ID             string                 `json:"id"`
	Key            CacheKey               `json:"key"`
	Status         CacheStatus            `json:"status"`
	Results        []CachedAnalysisResult `json:"results"`
	Message        string                 `json:"message"`
	SourceIDs      []string               `json:"source_ids"`
	ExpiresAt      time.Time              `json:"expires_at"`
	HitCount       int                    `json:"hit_count"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAccessedAt time.Time              `json:"last_accessed_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// CacheStats summarizes the cache population.
type CacheStats struct {
	Total      int   `json:"total"`
	Fresh      int   `json:"fresh"`
	Stale      int   `json:"stale"`
	Refreshing int   `json:"refreshing"`
	Failed     int   `json:"failed"`
	Expired    int   `json:"expired"`
	TotalHits  int64 `json:"total_hits"`
}
