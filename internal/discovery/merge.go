package discovery

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// NormalizeName lowercases with Turkish rules, drops punctuation and collapses
// whitespace so "ÇİYA SOFRASI" and "Çiya Sofrası" compare equal.
func NormalizeName(name string) string {
	lowered := strings.ToLowerSpecial(unicode.TurkishCase, name)
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, lowered)
	return strings.Join(strings.Fields(mapped), " ")
}

// Normalize converts source listings into scored candidates.
func Normalize(listings []domain.Listing, source domain.Provenance) []domain.DiscoveredRestaurant {
	out := make([]domain.DiscoveredRestaurant, 0, len(listings))
	for _, l := range listings {
		if strings.TrimSpace(l.Name) == "" {
			continue
		}
		out = append(out, domain.DiscoveredRestaurant{
			Name:           strings.TrimSpace(l.Name),
			PlaceID:        l.PlaceID,
			Rating:         l.Rating,
			ReviewCount:    l.ReviewCount,
			Address:        l.Address,
			Lat:            l.Lat,
			Lon:            l.Lon,
			HasCoordinates: l.HasCoordinates,
			PriceLevel:     l.PriceLevel,
			URL:            l.URL,
			Source:         source,
			Score:          domain.ProminenceScore(l.Rating, l.ReviewCount),
		})
	}
	return out
}

// Merge seeds the result with API candidates and folds every crawled candidate
// into a matching entry or appends it. Names match exactly after
// normalization, or fuzzily when one contains the other and both points lie
// within maxKm.
func Merge(api, scrape []domain.DiscoveredRestaurant, maxKm float64) []domain.DiscoveredRestaurant {
	merged := make([]domain.DiscoveredRestaurant, 0, len(api)+len(scrape))
	merged = append(merged, api...)
	names := make([]string, 0, cap(merged))
	for _, r := range api {
		names = append(names, NormalizeName(r.Name))
	}

	for _, s := range scrape {
		name := NormalizeName(s.Name)
		idx := -1
		for i := range merged {
			if sameRestaurant(names[i], name, merged[i], s, maxKm) {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged = append(merged, s)
			names = append(names, name)
			continue
		}
		enrich(&merged[idx], s)
	}
	return merged
}

func sameRestaurant(nameA, nameB string, a, b domain.DiscoveredRestaurant, maxKm float64) bool {
	if nameA == "" || nameB == "" {
		return false
	}
	if nameA == nameB {
		return true
	}
	if !strings.Contains(nameA, nameB) && !strings.Contains(nameB, nameA) {
		return false
	}
	if !a.HasCoordinates || !b.HasCoordinates {
		return false
	}
	return domain.DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon) <= maxKm
}

// enrich fills gaps in dst from a crawled duplicate.
func enrich(dst *domain.DiscoveredRestaurant, src domain.DiscoveredRestaurant) {
	if dst.URL == "" {
		dst.URL = src.URL
	}
	if dst.Address == "" {
		dst.Address = src.Address
	}
	if dst.PriceLevel == "" {
		dst.PriceLevel = src.PriceLevel
	}
	if dst.PlaceID == "" {
		dst.PlaceID = src.PlaceID
	}
	if !dst.HasCoordinates && src.HasCoordinates {
		dst.Lat, dst.Lon, dst.HasCoordinates = src.Lat, src.Lon, true
	}
	if dst.Rating == 0 {
		dst.Rating = src.Rating
	}
	dst.ReviewCount = max(dst.ReviewCount, src.ReviewCount)
	dst.Score = domain.ProminenceScore(dst.Rating, dst.ReviewCount)
	if dst.Source != domain.SourceScrape {
		dst.Source = domain.SourceBoth
	}
}

// Rank orders candidates by prominence, then review volume, then name.
func Rank(rs []domain.DiscoveredRestaurant) {
	slices.SortStableFunc(rs, func(a, b domain.DiscoveredRestaurant) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.ReviewCount, a.ReviewCount); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}
