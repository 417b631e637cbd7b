package crawl

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

const (
	placeAnchor  = `a[href*="/maps/place/"]`
	maxCardDepth = 8
	maxAuthorLen = 80
)

var (
	relativeTime = regexp.MustCompile(`(?i)^(?:(?:düzenlendi|edited)\s*:?\s*)?(?:(?:bir|\d+|a|an)\s+(?:saniye|dakika|saat|gün|hafta|ay|yıl|second|minute|hour|day|week|month|year)s?\s+(?:önce|ago)|dün|yesterday|bugün|today)$`)
	profileText  = regexp.MustCompile(`(?i)(yerel rehber|local guide|^\d[\d.,]*\s*(?:yorum|review|reviews|fotoğraf|photo|photos|değerlendirme)$)`)
	starGlyphs   = regexp.MustCompile(`^[★☆✩✭\s]+$`)
	priceLabel   = regexp.MustCompile(`(?i)(kişi başı|per person)`)
	priceValue   = regexp.MustCompile(`[₺$€£]`)
	priceLevel   = regexp.MustCompile(`^(?:[₺$€£]{1,4}|[₺$€£]\s?\d[\d.,]*\s*[–-]\s*[₺$€£]?\s?\d[\d.,]*\+?)$`)
	ownerReply   = regexp.MustCompile(`(?i)(sahibinden yanıt|işletme sahibinin yanıtı|response from the owner)`)
	addressHint  = regexp.MustCompile(`(?i)(\bcad\.?|\bcd\.|caddesi|\bsok\.?|\bsk\.|sokağı|\bmah\.?|mahallesi|bulvarı|\bblv\.|\bno\s*:?\s*\d|\bst\b|street|\bave\b|avenue|\brd\b|road)`)
	uiNoise      = []string{
		"daha fazla", "diğer", "devamını oku", "more", "see more", "read more",
		"beğen", "paylaş", "like", "share", "yanıtla", "reply", "yeni", "new",
	}
)

type marker struct {
	node   *html.Node
	rating float64
}

// findMarkers returns the outermost star-rating markers in document order. A
// marker is either an element labelled with a star rating or an element with
// exactly five star-glyph children.
func findMarkers(doc *goquery.Document) []marker {
	var candidates []marker
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if rating, ok := starMarker(s); ok {
			candidates = append(candidates, marker{node: s.Nodes[0], rating: rating})
		}
	})
	inCandidate := make(map[*html.Node]bool, len(candidates))
	for _, m := range candidates {
		inCandidate[m.node] = true
	}
	out := candidates[:0]
	for _, m := range candidates {
		nested := false
		for p := m.node.Parent; p != nil; p = p.Parent {
			if inCandidate[p] {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, m)
		}
	}
	return out
}

func starMarker(s *goquery.Selection) (float64, bool) {
	if v, ok := s.Attr("aria-label"); ok {
		if rating, ok := ratingFromLabel(v); ok {
			return rating, true
		}
	}
	children := s.Children()
	if children.Length() != 5 {
		return 0, false
	}
	tag := goquery.NodeName(children.First())
	filled := 0
	allStars := true
	children.Each(func(_ int, c *goquery.Selection) {
		class := strings.ToLower(c.AttrOr("class", ""))
		text := strings.TrimSpace(c.Text())
		isStar := goquery.NodeName(c) == tag &&
			(strings.Contains(class, "star") || (text != "" && starGlyphs.MatchString(text)))
		if !isStar {
			allStars = false
			return
		}
		if text == "★" || strings.Contains(class, "filled") || strings.Contains(class, "full") || strings.Contains(class, "active") {
			filled++
		}
	})
	if !allStars {
		return 0, false
	}
	return float64(filled), true
}

type reviewCard struct {
	node   *html.Node
	marker marker
}

// reviewCards locates review cards structurally: a card is the largest
// ancestor of a star-rating marker that contains no other marker.
func reviewCards(doc *goquery.Document) []reviewCard {
	markers := findMarkers(doc)
	counts := make(map[*html.Node]int)
	for _, m := range markers {
		for n := m.node; n != nil; n = n.Parent {
			counts[n]++
		}
	}
	cards := make([]reviewCard, 0, len(markers))
	for _, m := range markers {
		card := m.node
		for depth := 0; depth < maxCardDepth; depth++ {
			p := card.Parent
			if p == nil || p.Type != html.ElementNode || p.Data == "body" || p.Data == "html" || counts[p] > 1 {
				break
			}
			card = p
		}
		cards = append(cards, reviewCard{node: card, marker: m})
	}
	return cards
}

// ExtractReviews returns the review cards visible in doc.
func ExtractReviews(doc *goquery.Document) []domain.ScrapedReview {
	var out []domain.ScrapedReview
	for _, c := range reviewCards(doc) {
		if review, ok := parseCard(c.node, c.marker); ok {
			out = append(out, review)
		}
	}
	return out
}

// reviewContainer returns a selector for the element holding the review list.
func reviewContainer(doc *goquery.Document) string {
	for _, c := range reviewCards(doc) {
		if _, ok := parseCard(c.node, c.marker); !ok || c.node.Parent == nil {
			continue
		}
		return cssPath(doc.FindNodes(c.node.Parent))
	}
	if main := doc.Find(`[role="main"]`).First(); main.Length() > 0 {
		return cssPath(main)
	}
	return ""
}

func parseCard(card *html.Node, m marker) (domain.ScrapedReview, bool) {
	review := domain.ScrapedReview{Rating: m.rating}
	var (
		body      []string
		priceNext bool
	)
scan:
	for _, t := range textNodes(card, m.node) {
		lower := normalize(t)
		switch {
		case ownerReply.MatchString(lower):
			break scan
		case priceNext:
			priceNext = false
			if priceValue.MatchString(t) {
				review.PricePerPerson = t
				continue
			}
		case priceLabel.MatchString(lower):
			if priceValue.MatchString(t) {
				review.PricePerPerson = strings.TrimSpace(priceLabel.ReplaceAllString(t, ""))
			} else {
				priceNext = true
			}
			continue
		}
		switch {
		case relativeTime.MatchString(lower):
			if review.RelativeTime == "" {
				review.RelativeTime = t
			}
		case starGlyphs.MatchString(t), profileText.MatchString(lower), equalsAny(lower, uiNoise):
		case review.Author == "" && utf8.RuneCountInString(t) <= maxAuthorLen && review.RelativeTime == "" && len(body) == 0:
			review.Author = t
		default:
			body = append(body, t)
		}
	}
	for _, t := range body {
		if utf8.RuneCountInString(t) > utf8.RuneCountInString(review.Text) && utf8.RuneCountInString(t) >= 3 {
			review.Text = t
		}
	}
	if review.RelativeTime == "" || (review.Author == "" && review.Text == "") {
		return domain.ScrapedReview{}, false
	}
	return review, true
}

// ExtractPlace reads the top-level facts of a place panel.
func ExtractPlace(doc *goquery.Document, pageURL string) domain.Listing {
	listing := domain.Listing{
		Name: cleanText(doc.Find("h1").First().Text()),
		URL:  pageURL,
	}
	doc.Find(`[role="img"][aria-label], span[aria-label], div[aria-label]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rating, ok := ratingFromLabel(s.AttrOr("aria-label", ""))
		if ok {
			listing.Rating = rating
		}
		return !ok
	})
	if listing.Rating == 0 {
		doc.Find("span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Children().Length() > 0 || !ratingText.MatchString(strings.TrimSpace(s.Text())) {
				return true
			}
			listing.Rating, _ = parseRating(s.Text())
			return false
		})
	}
	doc.Find(`[aria-label], span`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("aria-label"); ok {
			if n, ok := countFromLabel(v); ok && !containsAny(normalize(v), []string{"yerel rehber", "local guide"}) {
				listing.ReviewCount = n
				return false
			}
		}
		if n, ok := countFromLabel(strings.TrimSpace(s.Text())); ok && s.Children().Length() == 0 && countParens.MatchString(strings.TrimSpace(s.Text())) {
			listing.ReviewCount = n
			return false
		}
		return true
	})
	listing.Address = placeAddress(doc)
	listing.PriceLevel = placePrice(doc)
	if lat, lon, ok := coordsFromURL(pageURL); ok {
		listing.Lat, listing.Lon, listing.HasCoordinates = lat, lon, true
	}
	return listing
}

func placeAddress(doc *goquery.Document) string {
	sel := doc.Find(`[data-item-id="address"]`).First()
	if sel.Length() == 0 {
		sel = doc.Find(`[aria-label]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
			l := normalize(s.AttrOr("aria-label", ""))
			return strings.HasPrefix(l, "adres:") || strings.HasPrefix(l, "address:")
		}).First()
	}
	if sel.Length() == 0 {
		return ""
	}
	if v, ok := sel.Attr("aria-label"); ok {
		if i := strings.Index(v, ":"); i >= 0 {
			return strings.TrimSpace(v[i+1:])
		}
		return strings.TrimSpace(v)
	}
	return cleanText(sel.Text())
}

func placePrice(doc *goquery.Document) string {
	var price string
	doc.Find(`[aria-label]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		l := normalize(s.AttrOr("aria-label", ""))
		if !strings.HasPrefix(l, "fiyat") && !strings.HasPrefix(l, "price") {
			return true
		}
		if t := cleanText(s.Text()); priceLevel.MatchString(t) {
			price = t
		}
		return price == ""
	})
	if price != "" {
		return price
	}
	doc.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		if t := cleanText(s.Text()); priceLevel.MatchString(t) {
			price = t
			return false
		}
		return true
	})
	return price
}

// ExtractListings reads the result cards of a search feed.
func ExtractListings(doc *goquery.Document, baseURL string) []domain.Listing {
	base, _ := url.Parse(baseURL)
	seen := make(map[string]struct{})
	var out []domain.Listing
	doc.Find(placeAnchor).Each(func(_ int, a *goquery.Selection) {
		href := a.AttrOr("href", "")
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		name := cleanText(a.AttrOr("aria-label", ""))
		if name == "" {
			name = cleanText(a.Text())
		}
		if name == "" {
			return
		}
		key := strings.SplitN(href, "?", 2)[0]
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		listing := domain.Listing{Name: name, URL: href}
		if lat, lon, ok := coordsFromURL(href); ok {
			listing.Lat, listing.Lon, listing.HasCoordinates = lat, lon, true
		}
		fillFromCard(listingCard(a), &listing)
		out = append(out, listing)
	})
	return out
}

// listingCard climbs from the anchor while the ancestor still holds a single
// place link.
func listingCard(a *goquery.Selection) *goquery.Selection {
	card := a
	for i := 0; i < 4; i++ {
		p := card.Parent()
		if p.Length() == 0 || goquery.NodeName(p) == "body" || p.Find(placeAnchor).Length() > 1 {
			break
		}
		card = p
	}
	return card
}

func fillFromCard(card *goquery.Selection, listing *domain.Listing) {
	card.Find(`[aria-label]`).Each(func(_ int, s *goquery.Selection) {
		v := s.AttrOr("aria-label", "")
		if listing.Rating == 0 {
			if r, ok := ratingFromLabel(v); ok {
				listing.Rating = r
			}
		}
		if listing.ReviewCount == 0 {
			if n, ok := countFromLabel(v); ok {
				listing.ReviewCount = n
			}
		}
	})
	for _, t := range textNodes(card.Nodes[0], nil) {
		for _, part := range strings.Split(t, "·") {
			part = strings.TrimSpace(part)
			switch {
			case part == "":
			case listing.Rating == 0 && ratingText.MatchString(part):
				listing.Rating, _ = parseRating(part)
			case listing.ReviewCount == 0 && countParens.MatchString(part):
				listing.ReviewCount, _ = countFromLabel(part)
			case listing.PriceLevel == "" && priceLevel.MatchString(part):
				listing.PriceLevel = part
			case listing.Address == "" && addressHint.MatchString(part):
				listing.Address = part
			}
		}
	}
}
