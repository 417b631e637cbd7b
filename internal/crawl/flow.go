package crawl

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/browser"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

const feedSelector = `[role="feed"]`

// load parses the current document of page.
func load(ctx context.Context, page browser.Page) (*goquery.Document, error) {
	raw, err := page.HTML(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// prepare dismisses a consent interstitial and waits until ready holds. The
// bool result is false when the wait gave up; the last snapshot is returned
// either way.
func (e *Engine) prepare(ctx context.Context, page browser.Page, ready func(*goquery.Document) bool) (*goquery.Document, bool, error) {
	doc, err := load(ctx, page)
	if err != nil {
		return nil, false, err
	}
	if doc, err = e.dismissConsent(ctx, page, doc); err != nil {
		return nil, false, err
	}
	return e.waitFor(ctx, page, doc, ready)
}

func (e *Engine) dismissConsent(ctx context.Context, page browser.Page, doc *goquery.Document) (*goquery.Document, error) {
	title, _ := page.Title(ctx)
	pageURL, _ := page.URL(ctx)
	if !IsConsentPage(title, pageURL, doc) {
		return doc, nil
	}
	sel, ok := FindConsentButton(doc)
	if !ok {
		e.logger.Warn("consent page without a recognizable accept button", zap.String("url", pageURL))
		return doc, nil
	}
	clicked, err := page.Click(ctx, sel)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || !clicked {
		e.logger.Warn("consent dismissal failed, continuing", zap.String("url", pageURL), zap.Error(err))
		return doc, nil
	}
	if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	return load(ctx, page)
}

func (e *Engine) waitFor(ctx context.Context, page browser.Page, doc *goquery.Document, ready func(*goquery.Document) bool) (*goquery.Document, bool, error) {
	for i := 0; i < e.cfg.PanelWaitRetries; i++ {
		if ready(doc) {
			return doc, true, nil
		}
		if err := page.Sleep(ctx, e.cfg.PanelWaitDelay); err != nil {
			return nil, false, err
		}
		next, err := load(ctx, page)
		if err != nil {
			return nil, false, err
		}
		doc = next
	}
	return doc, ready(doc), nil
}

// collectReviews opens the reviews view, narrows it to the keyword, sorts by
// newest and scrolls until enough reviews are loaded. Reviews visible on the
// overview are returned when the reviews view cannot be opened.
func (e *Engine) collectReviews(ctx context.Context, page browser.Page, doc *goquery.Document, keyword string) ([]domain.ScrapedReview, string, error) {
	inline := func(err error) ([]domain.ScrapedReview, string, error) {
		if reviews := ExtractReviews(doc); len(reviews) > 0 {
			return capReviews(reviews, e.cfg.MaxReviews), "inline", nil
		}
		return nil, "", err
	}

	selector, strategy, ok := FindReviewsControl(doc, ReviewTabStrategies)
	if !ok {
		return inline(ErrReviewsNotFound)
	}
	clicked, err := page.Click(ctx, selector)
	if err != nil {
		return inline(fmt.Errorf("open reviews via %s: %w", strategy, err))
	}
	if !clicked {
		return inline(fmt.Errorf("%w: %s control vanished", ErrReviewsNotFound, strategy))
	}
	if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return nil, strategy, err
	}
	if doc, err = load(ctx, page); err != nil {
		return nil, strategy, err
	}
	doc, _, err = e.waitFor(ctx, page, doc, func(d *goquery.Document) bool { return len(findMarkers(d)) > 0 })
	if err != nil {
		return nil, strategy, err
	}
	if doc, err = e.filterAndSort(ctx, page, doc, keyword); err != nil {
		return nil, strategy, err
	}
	reviews, err := e.collectLoop(ctx, page, doc)
	return reviews, strategy, err
}

// filterAndSort applies the in-page review search and the newest-first sort.
// Both are best effort.
func (e *Engine) filterAndSort(ctx context.Context, page browser.Page, doc *goquery.Document, keyword string) (*goquery.Document, error) {
	changed := false
	if kw := strings.TrimSpace(keyword); kw != "" {
		if sel, ok := FindSearchInput(doc); ok {
			if err := page.Type(ctx, sel, kw, true); err != nil {
				e.logger.Debug("review search failed", zap.Error(err))
			} else {
				changed = true
			}
		}
	}
	if sel, ok := FindSortButton(doc); ok {
		if clicked, err := page.Click(ctx, sel); err == nil && clicked {
			if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
				return nil, err
			}
			menu, err := load(ctx, page)
			if err != nil {
				return nil, err
			}
			if opt, ok := FindNewestOption(menu); ok {
				if _, err := page.Click(ctx, opt); err != nil {
					e.logger.Debug("select newest failed", zap.Error(err))
				}
			}
			changed = true
		}
	}
	if !changed {
		return doc, nil
	}
	if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	return load(ctx, page)
}

// collectLoop expands truncated reviews and scrolls the list until MaxReviews
// are collected, the scroll budget is spent or StaleScrollLimit scrolls in a
// row add nothing new.
func (e *Engine) collectLoop(ctx context.Context, page browser.Page, doc *goquery.Document) ([]domain.ScrapedReview, error) {
	seen := make(map[string]struct{})
	var out []domain.ScrapedReview
	stale := 0
	for scroll := 0; ; scroll++ {
		if expand := FindExpandButtons(doc); len(expand) > 0 {
			for _, sel := range expand {
				if _, err := page.Click(ctx, sel); err != nil {
					e.logger.Debug("expand review failed", zap.String("selector", sel), zap.Error(err))
				}
			}
			next, err := load(ctx, page)
			if err != nil {
				return out, err
			}
			doc = next
		}

		added := 0
		for _, r := range ExtractReviews(doc) {
			key := r.Author + "\x00" + r.Text
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
			added++
		}
		if len(out) >= e.cfg.MaxReviews {
			return out[:e.cfg.MaxReviews], nil
		}
		if scroll > 0 {
			if added == 0 {
				stale++
			} else {
				stale = 0
			}
		}
		if stale >= e.cfg.StaleScrollLimit || scroll >= e.cfg.MaxScrolls {
			return out, nil
		}

		if err := page.ScrollBy(ctx, reviewContainer(doc), e.cfg.ScrollStep); err != nil {
			return out, fmt.Errorf("scroll reviews: %w", err)
		}
		if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
			return out, err
		}
		next, err := load(ctx, page)
		if err != nil {
			return out, err
		}
		doc = next
	}
}

// collectListings scrolls the result feed until MaxListings places are seen
// or the feed stops growing.
func (e *Engine) collectListings(ctx context.Context, page browser.Page) []domain.Listing {
	var listings []domain.Listing
	stale := 0
	for scroll := 0; ; scroll++ {
		doc, err := load(ctx, page)
		if err != nil {
			e.logger.Warn("read result feed failed", zap.Error(err))
			break
		}
		pageURL, _ := page.URL(ctx)
		if pageURL == "" {
			pageURL = e.cfg.MapsBaseURL
		}
		current := ExtractListings(doc, pageURL)
		if len(current) > len(listings) {
			listings = current
			stale = 0
		} else if scroll > 0 {
			stale++
		}
		if len(listings) >= e.cfg.MaxListings || stale >= e.cfg.StaleScrollLimit || scroll >= e.cfg.MaxScrolls {
			break
		}
		if err := page.ScrollBy(ctx, feedSelector, e.cfg.ScrollStep); err != nil {
			e.logger.Debug("scroll result feed failed", zap.Error(err))
			break
		}
		if err := page.Sleep(ctx, e.cfg.SettleDelay); err != nil {
			break
		}
	}
	if len(listings) > e.cfg.MaxListings {
		listings = listings[:e.cfg.MaxListings]
	}
	return listings
}

func capReviews(reviews []domain.ScrapedReview, limit int) []domain.ScrapedReview {
	if limit > 0 && len(reviews) > limit {
		return reviews[:limit]
	}
	return reviews
}
