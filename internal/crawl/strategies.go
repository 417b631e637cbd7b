package crawl

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy locates one control in a rendered page snapshot. Find returns an
// empty selection when it does not match.
type Strategy struct {
	Name string
	Find func(doc *goquery.Document) *goquery.Selection
}

const clickable = `button, a, [role="button"], [role="tab"]`

var (
	reviewLabels  = []string{"yorumlar", "reviews", "değerlendirmeler", "yorum"}
	reviewWords   = []string{"yorum", "review", "değerlendirme"}
	consentLabels = []string{"tümünü kabul et", "accept all", "kabul et", "i agree", "kabul ediyorum", "agree"}
	newestLabels  = []string{"en yeni", "newest", "en yeniler"}
	expandLabels  = []string{"daha fazla", "diğer", "devamını oku", "more", "see more", "read more"}
)

// ReviewTabStrategies are tried in order until one matches.
var ReviewTabStrategies = []Strategy{
	{Name: "exact_label", Find: exactLabel},
	{Name: "review_count_button", Find: reviewCountButton},
	{Name: "role_tab", Find: roleTab},
	{Name: "tablist_child", Find: tabListChild},
	{Name: "rating_proximity", Find: ratingProximity},
}

// FindReviewsControl runs strategies in order and returns the selector of the
// first match together with the strategy name.
func FindReviewsControl(doc *goquery.Document, strategies []Strategy) (string, string, bool) {
	for _, s := range strategies {
		if sel := s.Find(doc); sel != nil && sel.Length() > 0 {
			if path := cssPath(sel.First()); path != "" {
				return path, s.Name, true
			}
		}
	}
	return "", "", false
}

func firstMatch(doc *goquery.Document, selector string, match func(*goquery.Selection) bool) *goquery.Selection {
	return doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return match(s)
	}).First()
}

func none(doc *goquery.Document) *goquery.Selection {
	return doc.Selection.Slice(0, 0)
}

func equalsAny(s string, options []string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

func containsAny(s string, options []string) bool {
	for _, o := range options {
		if strings.Contains(s, o) {
			return true
		}
	}
	return false
}

func exactLabel(doc *goquery.Document) *goquery.Selection {
	return firstMatch(doc, clickable, func(s *goquery.Selection) bool {
		return equalsAny(label(s), reviewLabels) || equalsAny(normalize(s.Text()), reviewLabels)
	})
}

func reviewCountButton(doc *goquery.Document) *goquery.Selection {
	return firstMatch(doc, `button, [role="button"]`, func(s *goquery.Selection) bool {
		return countLabel.MatchString(label(s))
	})
}

func roleTab(doc *goquery.Document) *goquery.Selection {
	return firstMatch(doc, `[role="tab"]`, func(s *goquery.Selection) bool {
		return containsAny(label(s), reviewWords)
	})
}

// tabListChild scans the direct children of a tab list; with no labelled
// child it falls back to the second tab, where the reviews view usually sits.
func tabListChild(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find(`[role="tablist"]`).EachWithBreak(func(_ int, list *goquery.Selection) bool {
		children := list.Children()
		children.EachWithBreak(func(_ int, child *goquery.Selection) bool {
			if containsAny(label(child), reviewWords) {
				found = child
				return false
			}
			return true
		})
		if found == nil && children.Length() >= 2 {
			found = children.Eq(1)
		}
		return found == nil
	})
	if found == nil {
		return none(doc)
	}
	return found
}

// ratingProximity finds the review count shown next to the aggregate rating.
func ratingProximity(doc *goquery.Document) *goquery.Selection {
	rating := firstMatch(doc, `[role="img"][aria-label], span, div`, func(s *goquery.Selection) bool {
		if v, ok := s.Attr("aria-label"); ok {
			if _, ok := ratingFromLabel(v); ok {
				return true
			}
		}
		return s.Children().Length() == 0 && ratingText.MatchString(strings.TrimSpace(s.Text()))
	})
	if rating.Length() == 0 {
		return rating
	}
	scope := rating
	for i := 0; i < 3; i++ {
		scope = scope.Parent()
		if scope.Length() == 0 {
			break
		}
		hit := scope.Find(`button, a, [role="button"], span[aria-label]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
			_, ok := countFromLabel(label(s))
			if !ok {
				_, ok = countFromLabel(strings.TrimSpace(s.Text()))
			}
			return ok
		}).First()
		if hit.Length() > 0 {
			return hit
		}
	}
	return none(doc)
}

// FindConsentButton returns the selector of the consent acceptance control.
func FindConsentButton(doc *goquery.Document) (string, bool) {
	sel := firstMatch(doc, `button, [role="button"], input[type="submit"]`, func(s *goquery.Selection) bool {
		text := label(s)
		if v, ok := s.Attr("value"); ok && text == "" {
			text = normalize(v)
		}
		return equalsAny(text, consentLabels)
	})
	path := cssPath(sel)
	return path, path != ""
}

// IsConsentPage reports whether the page is a consent interstitial.
func IsConsentPage(title, pageURL string, doc *goquery.Document) bool {
	t := normalize(title)
	if strings.Contains(t, "before you continue") || strings.Contains(t, "devam etmeden önce") {
		return true
	}
	if strings.Contains(pageURL, "consent.") {
		return true
	}
	return doc != nil && doc.Find(`form[action*="consent"]`).Length() > 0
}

// FindSearchInput locates the search-within-reviews box.
func FindSearchInput(doc *goquery.Document) (string, bool) {
	sel := firstMatch(doc, `input`, func(s *goquery.Selection) bool {
		text := normalize(s.AttrOr("aria-label", "") + " " + s.AttrOr("placeholder", ""))
		return (strings.Contains(text, "yorum") && strings.Contains(text, "ara")) ||
			strings.Contains(text, "search reviews")
	})
	path := cssPath(sel)
	return path, path != ""
}

// FindSortButton locates the review sort control.
func FindSortButton(doc *goquery.Document) (string, bool) {
	sel := firstMatch(doc, `button, [role="button"]`, func(s *goquery.Selection) bool {
		l := label(s)
		return strings.Contains(l, "sırala") || strings.Contains(l, "sort")
	})
	path := cssPath(sel)
	return path, path != ""
}

// FindNewestOption locates the "newest" entry of an open sort menu.
func FindNewestOption(doc *goquery.Document) (string, bool) {
	sel := firstMatch(doc, `[role="menuitemradio"], [role="menuitem"], [role="option"]`, func(s *goquery.Selection) bool {
		return equalsAny(label(s), newestLabels) || equalsAny(normalize(s.Text()), newestLabels)
	})
	path := cssPath(sel)
	return path, path != ""
}

// FindExpandButtons returns selectors of collapsed "more" affordances.
func FindExpandButtons(doc *goquery.Document) []string {
	var out []string
	doc.Find(`button, a, [role="button"]`).Each(func(_ int, s *goquery.Selection) {
		if s.AttrOr("aria-expanded", "") == "true" {
			return
		}
		if equalsAny(label(s), expandLabels) || equalsAny(normalize(s.Text()), expandLabels) {
			if path := cssPath(s); path != "" {
				out = append(out, path)
			}
		}
	})
	return out
}

// PanelReady reports whether a place panel has rendered.
func PanelReady(doc *goquery.Document) bool {
	if doc.Find(`[role="tablist"]`).Length() > 0 {
		return true
	}
	if strings.TrimSpace(doc.Find("h1").First().Text()) != "" {
		return true
	}
	return len(findMarkers(doc)) > 0
}

// ListingsReady reports whether a search result feed has rendered.
func ListingsReady(doc *goquery.Document) bool {
	return doc.Find(`[role="feed"]`).Length() > 0 || doc.Find(placeAnchor).Length() > 0
}
