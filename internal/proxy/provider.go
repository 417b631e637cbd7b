package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// Source is one upstream proxy list.
type Source struct {
	URL      string
	Tier     domain.Tier
	Protocol string
}

// StaticProvider serves a fixed list.
type StaticProvider struct {
	Proxies []domain.Proxy
}

// Fetch returns a copy of the fixed list.
func (p StaticProvider) Fetch(context.Context) ([]domain.Proxy, error) {
	return append([]domain.Proxy(nil), p.Proxies...), nil
}

// ParseStatic parses "host:port[:user:pass]" entries for a StaticProvider.
func ParseStatic(entries []string, tier domain.Tier) []domain.Proxy {
	return ParseList([]byte(strings.Join(entries, "\n")), tier, "http")
}

// CollyProvider downloads proxy lists with a colly collector.
type CollyProvider struct {
	sources []Source
	timeout time.Duration
	base    *colly.Collector
	logger  *zap.Logger
}

// NewCollyProvider builds a provider over sources.
func NewCollyProvider(sources []Source, timeout time.Duration, logger *zap.Logger) *CollyProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	base.IgnoreRobotsTxt = true
	base.SetRequestTimeout(timeout)
	return &CollyProvider{
		sources: sources,
		timeout: timeout,
		base:    base,
		logger:  logging.OrNop(logger).Named("proxy_provider"),
	}
}

// Fetch downloads every source. It succeeds when at least one source yields proxies.
func (p *CollyProvider) Fetch(ctx context.Context) ([]domain.Proxy, error) {
	if len(p.sources) == 0 {
		return nil, errors.New("no proxy sources configured")
	}
	var (
		out  []domain.Proxy
		errs []error
	)
	for _, src := range p.sources {
		proxies, err := p.fetchSource(ctx, src)
		if err != nil {
			p.logger.Warn("proxy source failed", zap.String("url", src.URL), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		out = append(out, proxies...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (p *CollyProvider) fetchSource(ctx context.Context, src Source) ([]domain.Proxy, error) {
	collector := p.base.Clone()
	collector.SetRequestTimeout(p.timeout)

	var (
		mu       sync.Mutex
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		body = append([]byte(nil), r.Body...)
		mu.Unlock()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		fetchErr = err
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(src.URL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("proxy fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", src.URL, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, fetchErr)
	}
	tier := src.Tier
	if tier == "" {
		tier = domain.TierMedium
	}
	return ParseList(body, tier, src.Protocol), nil
}

type jsonProxy struct {
	IP       string          `json:"ip"`
	Host     string          `json:"host"`
	Address  string          `json:"address"`
	Port     json.RawMessage `json:"port"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	Protocol string          `json:"protocol"`
	Tier     string          `json:"tier"`
}

// ParseList parses a JSON array (or {"proxies": [...]}) or newline separated
// entries of the forms host:port, host:port:user:pass, user:pass@host:port,
// optionally prefixed with a scheme.
func ParseList(body []byte, tier domain.Tier, protocol string) []domain.Proxy {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		if proxies, ok := parseJSON([]byte(trimmed), tier, protocol); ok {
			return proxies
		}
	}
	var out []domain.Proxy
	for _, line := range strings.Split(trimmed, "\n") {
		if p, ok := parseLine(strings.TrimSpace(line), tier, protocol); ok {
			out = append(out, p)
		}
	}
	return out
}

func parseJSON(body []byte, tier domain.Tier, protocol string) ([]domain.Proxy, bool) {
	var list []jsonProxy
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			Proxies []jsonProxy `json:"proxies"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, false
		}
		list = wrapped.Proxies
	}
	out := make([]domain.Proxy, 0, len(list))
	for _, item := range list {
		host := firstNonEmpty(item.IP, item.Host, item.Address)
		port := parsePort(item.Port)
		if host == "" || port <= 0 {
			continue
		}
		itemTier := tier
		if item.Tier != "" {
			itemTier = domain.ParseTier(item.Tier)
		}
		out = append(out, domain.Proxy{
			Address:  host,
			Port:     port,
			Username: item.Username,
			Password: item.Password,
			Tier:     itemTier,
			Protocol: normalizeProtocol(firstNonEmpty(item.Protocol, protocol)),
		})
	}
	return out, true
}

func parseLine(line string, tier domain.Tier, protocol string) (domain.Proxy, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return domain.Proxy{}, false
	}
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil || u.Hostname() == "" {
			return domain.Proxy{}, false
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil || port <= 0 {
			return domain.Proxy{}, false
		}
		p := domain.Proxy{Address: u.Hostname(), Port: port, Tier: tier, Protocol: normalizeProtocol(u.Scheme)}
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		return p, true
	}
	var user, pass string
	if at := strings.LastIndex(line, "@"); at >= 0 {
		creds := strings.SplitN(line[:at], ":", 2)
		if len(creds) == 2 {
			user, pass = creds[0], creds[1]
		}
		line = line[at+1:]
	}
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return domain.Proxy{}, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return domain.Proxy{}, false
	}
	if len(parts) == 4 {
		user, pass = parts[2], parts[3]
	}
	return domain.Proxy{
		Address:  parts[0],
		Port:     port,
		Username: user,
		Password: pass,
		Tier:     tier,
		Protocol: normalizeProtocol(protocol),
	}, true
}

func parsePort(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ = strconv.Atoi(s)
	}
	return n
}

func normalizeProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "http"
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
