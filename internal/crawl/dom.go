package crawl

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	simpleID    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	ratingLabel = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:yıldız|star|stars)\b`)
	ratingOutOf = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:/|out of|üzerinden)\s*5\b`)
	ratingText  = regexp.MustCompile(`^\d[.,]\d$`)
	countLabel  = regexp.MustCompile(`(?i)(\d[\d.,]*\s*(?:bin|b|k)?)\s*(?:yorum|review|reviews|değerlendirme)`)
	countParens = regexp.MustCompile(`(?i)^\((\d[\d.,]*\s*(?:bin|b|k)?)\)$`)
	pinCoords   = regexp.MustCompile(`!3d(-?\d+(?:\.\d+)?)!4d(-?\d+(?:\.\d+)?)`)
	atCoords    = regexp.MustCompile(`@(-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)`)
)

// cssPath builds a selector that addresses the first node of sel inside the
// document it was parsed from.
func cssPath(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	var parts []string
	for n := sel.Nodes[0]; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			parts = append(parts, "html")
			break
		}
		if id := attr(n, "id"); simpleID.MatchString(id) {
			parts = append(parts, "#"+id)
			break
		}
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", n.Data, idx))
	}
	slices.Reverse(parts)
	return strings.Join(parts, " > ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// label returns the accessible label of sel, normalized for matching.
func label(sel *goquery.Selection) string {
	if v, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return normalize(v)
	}
	return normalize(sel.Text())
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLowerSpecial(unicode.TurkishCase, s)), " ")
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// textNodes returns the non-empty text nodes under n in document order,
// skipping scripts, styles, and any subtree in skip.
func textNodes(n *html.Node, skip *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node == skip && skip != nil {
			return
		}
		switch node.Type {
		case html.TextNode:
			if t := cleanText(node.Data); t != "" {
				out = append(out, t)
			}
			return
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" || node.Data == "noscript" {
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// parseRating reads a 0-5 rating from "4,5" or "4.5".
func parseRating(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil || v < 0 || v > 5 {
		return 0, false
	}
	return v, true
}

func ratingFromLabel(s string) (float64, bool) {
	if m := ratingLabel.FindStringSubmatch(s); m != nil {
		return parseRating(m[1])
	}
	if m := ratingOutOf.FindStringSubmatch(s); m != nil {
		return parseRating(m[1])
	}
	return 0, false
}

// parseCount reads review counts written as "1.234", "1,234", "1,2 B", "12K"
// or "3 bin".
func parseCount(raw string) (int, bool) {
	s := strings.Trim(normalize(raw), "()")
	mult := 1.0
	for _, suffix := range []struct {
		text string
		mult float64
	}{{"bin", 1e3}, {"b", 1e3}, {"k", 1e3}, {"mn", 1e6}, {"m", 1e6}} {
		if strings.HasSuffix(s, suffix.text) {
			mult = suffix.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix.text))
			break
		}
	}
	if mult > 1 {
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil || f < 0 {
			return 0, false
		}
		return int(math.Round(f * mult)), true
	}
	s = strings.NewReplacer(".", "", ",", "", " ", "", "\u00a0", "").Replace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func countFromLabel(s string) (int, bool) {
	if m := countLabel.FindStringSubmatch(s); m != nil {
		return parseCount(m[1])
	}
	if m := countParens.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return parseCount(m[1])
	}
	return 0, false
}

// coordsFromURL prefers the place pin (!3d..!4d..) over the viewport (@lat,lon).
func coordsFromURL(u string) (float64, float64, bool) {
	for _, re := range []*regexp.Regexp{pinCoords, atCoords} {
		m := re.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		lat, err1 := strconv.ParseFloat(m[1], 64)
		lon, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
			return lat, lon, true
		}
	}
	return 0, 0, false
}
