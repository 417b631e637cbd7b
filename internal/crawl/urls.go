package crawl

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// SearchURL builds the maps search URL for a listing query.
func SearchURL(base string, q domain.ListingQuery, lang string) string {
	text := strings.TrimSpace(q.Query)
	if loc := strings.TrimSpace(q.Location); loc != "" {
		text = strings.TrimSpace(text + " " + loc)
	}
	u := strings.TrimRight(base, "/") + "/search/" + url.PathEscape(text)
	if q.Lat != 0 || q.Lon != 0 {
		u += fmt.Sprintf("/@%.6f,%.6f,%dz", q.Lat, q.Lon, zoomFor(q.RadiusKm))
	}
	return withLanguage(u, lang)
}

// zoomFor maps a search radius to a map zoom level.
func zoomFor(radiusKm float64) int {
	if radiusKm <= 0 {
		return 15
	}
	z := int(math.Round(15 - math.Log2(radiusKm)))
	return max(10, min(18, z))
}

// withLanguage sets the hl parameter unless the URL already carries one.
func withLanguage(raw, lang string) string {
	if lang == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("hl") != "" {
		return raw
	}
	q.Set("hl", lang)
	u.RawQuery = q.Encode()
	return u.String()
}
