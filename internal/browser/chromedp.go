package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// Config controls the chromedp launcher.
type Config struct {
	MaxParallel       int
	Headless          bool
	UserAgent         string
	Language          string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

const hideWebDriverJS = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
`

// Chromedp launches one Chrome process per session so every session can use
// its own --proxy-server.
type Chromedp struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// NewChromedp creates a launcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "tr"
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Chromedp{cfg: cfg, limiter: limiter, logger: logging.OrNop(logger).Named("browser")}, nil
}

// Open starts an isolated browser routed through proxy. The session holds a
// parallelism slot until Close.
func (c *Chromedp) Open(ctx context.Context, proxy *domain.Proxy) (Page, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), c.allocatorOptions(proxy)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	page := &chromePage{
		tab:     tabCtx,
		cancel:  func() { tabCancel(); allocCancel() },
		release: c.release,
		cfg:     c.cfg,
	}

	if proxy != nil && proxy.HasAuth() {
		listenProxyAuth(tabCtx, *proxy)
	}
	// The first Run allocates the browser and must not carry a deadline, or
	// the browser dies with it.
	if err := chromedp.Run(tabCtx); err != nil {
		page.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if err := page.run(ctx, c.cfg.NavigationTimeout, c.setupAction(proxy)); err != nil {
		page.Close()
		return nil, fmt.Errorf("prepare session: %w", err)
	}
	return page, nil
}

func (c *Chromedp) allocatorOptions(proxy *domain.Proxy) []chromedp.ExecAllocatorOption {
	userAgent := c.cfg.UserAgent
	if userAgent == "" {
		userAgent = userAgents[rand.IntN(len(userAgents))]
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", c.cfg.Language),
		chromedp.WindowSize(1366, 900),
		chromedp.UserAgent(userAgent),
	)
	if c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.Server()))
	}
	return opts
}

func (c *Chromedp) setupAction(proxy *domain.Proxy) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetLocaleOverride().WithLocale(c.cfg.Language).Do(ctx); err != nil {
			c.logger.Debug("locale override rejected", zap.Error(err))
		}
		if proxy != nil && proxy.HasAuth() {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch auth: %w", err)
			}
		}
		return nil
	})
}

// listenProxyAuth answers proxy auth challenges and resumes paused requests.
func listenProxyAuth(tabCtx context.Context, proxy domain.Proxy) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = withExecutor(tabCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = withExecutor(tabCtx, fetch.ContinueRequest(e.RequestID))
			}()
		}
	})
}

func withExecutor(tabCtx context.Context, action chromedp.Action) error {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return fmt.Errorf("no browser target")
	}
	return action.Do(cdp.WithExecutor(tabCtx, c.Target))
}

func (c *Chromedp) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

type chromePage struct {
	tab     context.Context
	cancel  func()
	release func()
	cfg     Config
	closed  bool
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) eval(ctx context.Context, script string, out any) error {
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	err := p.run(ctx, p.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(hideWebDriverJS, nil),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("title: %w", err)
	}
	return title, nil
}

func (p *chromePage) HTML(ctx context.Context, selector string) (string, error) {
	var html string
	err := p.eval(ctx, fmt.Sprintf(`(() => { const el = %s; return el ? el.outerHTML : ""; })()`, queryJS(selector)), &html)
	return html, err
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.eval(ctx, fmt.Sprintf(`(() => !!(%s))()`, queryJS(selector)), &ok)
	return ok, err
}

func (p *chromePage) Click(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.eval(ctx, fmt.Sprintf(`(() => { const el = %s; if (!el) return false; el.scrollIntoView({block: "center"}); el.click(); return true; })()`, queryJS(selector)), &ok)
	return ok, err
}

func (p *chromePage) ClickAll(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.eval(ctx, fmt.Sprintf(`(() => { const els = document.querySelectorAll(%s); els.forEach(el => el.click()); return els.length; })()`, jsString(selector)), &n)
	return n, err
}

func (p *chromePage) Type(ctx context.Context, selector, text string, submit bool) error {
	actions := []chromedp.Action{
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	}
	if submit {
		actions = append(actions, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
	}
	if err := p.run(ctx, p.cfg.ActionTimeout, actions...); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) ScrollBy(ctx context.Context, selector string, dy int) error {
	// Scroll the nearest scrollable ancestor; results panels nest the list
	// inside an inner scroll container.
	script := fmt.Sprintf(`(() => {
		let el = %s;
		while (el && el.scrollHeight <= el.clientHeight) { el = el.parentElement; }
		(el || window).scrollBy(0, %d);
	})()`, queryJS(selector), dy)
	return p.eval(ctx, script, nil)
}

func (p *chromePage) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (p *chromePage) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	p.release()
}

func queryJS(selector string) string {
	if selector == "" {
		return "document.documentElement"
	}
	return fmt.Sprintf("document.querySelector(%s)", jsString(selector))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
