package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/FeritTasdildiren/nerede-yesem/internal/browser"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/proxy"
)

// fakePage serves static HTML states. Clicking or submitting an element with a
// data-next attribute switches to the named state; each scroll advances
// through scrollStates.
type fakePage struct {
	mu           sync.Mutex
	states       map[string]string
	current      string
	url          string
	title        string
	scrollStates []string
	navigateErr  error
	panicOnHTML  bool
	// clickErr, when set, decides per element whether Click fails.
	clickErr func(*goquery.Selection) error

	clicks   []string
	typed    []string
	scrolled []string
	closed   bool
}

func (p *fakePage) Navigate(_ context.Context, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navigateErr != nil {
		return p.navigateErr
	}
	if p.url == "" {
		p.url = target
	}
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *fakePage) HTML(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOnHTML {
		panic("renderer crashed")
	}
	raw := p.states[p.current]
	if selector == "" {
		return raw, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", nil
	}
	return goquery.OuterHtml(sel)
}

func (p *fakePage) find(selector string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.states[p.current]))
	if err != nil {
		return nil, err
	}
	return doc.Find(selector), nil
}

func (p *fakePage) Exists(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, err := p.find(selector)
	if err != nil {
		return false, err
	}
	return sel.Length() > 0, nil
}

func (p *fakePage) Click(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, err := p.find(selector)
	if err != nil {
		return false, err
	}
	if sel.Length() == 0 {
		return false, nil
	}
	if p.clickErr != nil {
		if err := p.clickErr(sel.First()); err != nil {
			return false, err
		}
	}
	p.clicks = append(p.clicks, selector)
	if next, ok := sel.First().Attr("data-next"); ok {
		p.current = next
	}
	return true, nil
}

func (p *fakePage) ClickAll(ctx context.Context, selector string) (int, error) {
	ok, err := p.Click(ctx, selector)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

func (p *fakePage) Type(_ context.Context, selector, text string, submit bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, err := p.find(selector)
	if err != nil {
		return err
	}
	if sel.Length() == 0 {
		return fmt.Errorf("no element for %s", selector)
	}
	p.typed = append(p.typed, text)
	if next, ok := sel.First().Attr("data-next"); ok && submit {
		p.current = next
	}
	return nil
}

func (p *fakePage) ScrollBy(_ context.Context, selector string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolled = append(p.scrolled, selector)
	if len(p.scrollStates) > 0 {
		p.current = p.scrollStates[0]
		p.scrollStates = p.scrollStates[1:]
	}
	return nil
}

func (p *fakePage) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (p *fakePage) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// fakeLauncher fails the first opens and then hands out page.
type fakeLauncher struct {
	mu       sync.Mutex
	failures int
	page     *fakePage
	proxies  []*domain.Proxy
}

func (l *fakeLauncher) Open(_ context.Context, p *domain.Proxy) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proxies = append(l.proxies, p)
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("net::ERR_PROXY_CONNECTION_FAILED")
	}
	return l.page, nil
}

type fakeProxies struct {
	mu       sync.Mutex
	pool     []domain.Proxy
	used     map[string]int
	emptyErr error
	cleared  int
	records  []domain.ProxyUsageRecord
}

func newFakeProxies(n int) *fakeProxies {
	f := &fakeProxies{used: make(map[string]int)}
	for i := 0; i < n; i++ {
		f.pool = append(f.pool, domain.Proxy{Address: fmt.Sprintf("10.1.0.%d", i+1), Port: 3128, Tier: domain.TierHigh})
	}
	return f
}

func (f *fakeProxies) Acquire(_ context.Context, targetID string, _ domain.Tier) (domain.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pool) == 0 {
		if f.emptyErr != nil {
			return domain.Proxy{}, f.emptyErr
		}
		return domain.Proxy{}, errors.New("no proxies")
	}
	i := f.used[targetID]
	if i >= len(f.pool) {
		return domain.Proxy{}, proxy.ErrPoolExhausted
	}
	f.used[targetID] = i + 1
	return f.pool[i], nil
}

func (f *fakeProxies) ClearUsedProxies(targetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	delete(f.used, targetID)
}

func (f *fakeProxies) RecordUsage(_ context.Context, record domain.ProxyUsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

func (f *fakeProxies) usage() []domain.ProxyUsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ProxyUsageRecord(nil), f.records...)
}
