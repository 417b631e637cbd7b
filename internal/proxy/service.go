// Package proxy supplies network egress identities for crawl attempts, never
// reissuing an address to the same target within one pool generation.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
)

var (
	// ErrPoolEmpty signals that no proxies are known at all.
	ErrPoolEmpty = errors.New("proxy pool is empty")
	// ErrPoolExhausted signals every proxy was already issued for the target.
	ErrPoolExhausted = errors.New("proxy pool exhausted for target")
)

const usageWriteTimeout = 5 * time.Second

// Provider fetches the upstream proxy list.
type Provider interface {
	Fetch(ctx context.Context) ([]domain.Proxy, error)
}

// Config tunes refresh cadence and prioritization.
type Config struct {
	RefreshInterval time.Duration
	StatsWindow     time.Duration
}

// PoolStats describes the current pool.
type PoolStats struct {
	Size        int                 `json:"size"`
	Generation  uint64              `json:"generation"`
	ByTier      map[domain.Tier]int `json:"by_tier"`
	Targets     int                 `json:"targets"`
	RefreshedAt time.Time           `json:"refreshed_at"`
}

type targetState struct {
	mu         sync.Mutex
	generation uint64
	used       map[string]struct{}
}

// Service owns the proxy pool and the per-target exclusion state.
type Service struct {
	provider Provider
	usage    domain.ProxyUsageRecorder
	clock    domain.Clock
	cfg      Config
	logger   *zap.Logger

	refreshMu sync.Mutex

	poolMu      sync.RWMutex
	pool        []domain.Proxy
	generation  uint64
	refreshedAt time.Time
	rates       map[string]domain.ProxyStats

	targetsMu sync.Mutex
	targets   map[string]*targetState

	pending sync.WaitGroup
}

// NewService builds a Service. usage may be nil.
func NewService(provider Provider, usage domain.ProxyUsageRecorder, clock domain.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 7 * 24 * time.Hour
	}
	return &Service{
		provider: provider,
		usage:    usage,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("proxy"),
		rates:    make(map[string]domain.ProxyStats),
		targets:  make(map[string]*targetState),
	}
}

// TierOrder returns the tiers to try, preferred first.
func TierOrder(preferred domain.Tier) []domain.Tier {
	switch preferred {
	case domain.TierHigh:
		return []domain.Tier{domain.TierHigh, domain.TierMedium, domain.TierLow}
	case domain.TierLow:
		return []domain.Tier{domain.TierLow, domain.TierMedium, domain.TierHigh}
	default:
		return []domain.Tier{domain.TierMedium, domain.TierHigh, domain.TierLow}
	}
}

// Acquire issues a proxy for targetID that has not yet been issued to it in the
// current pool generation.
func (s *Service) Acquire(ctx context.Context, targetID string, preferred domain.Tier) (domain.Proxy, error) {
	s.ensureFresh(ctx)

	s.poolMu.RLock()
	pool := s.pool
	generation := s.generation
	rates := s.rates
	s.poolMu.RUnlock()

	if len(pool) == 0 {
		return domain.Proxy{}, ErrPoolEmpty
	}

	state := s.target(targetID)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.generation != generation {
		state.generation = generation
		state.used = make(map[string]struct{})
	}

	for _, tier := range TierOrder(preferred) {
		candidates := make([]domain.Proxy, 0, len(pool))
		for _, p := range pool {
			if p.Tier != tier {
				continue
			}
			if _, used := state.used[p.Key()]; used {
				continue
			}
			candidates = append(candidates, p)
		}
		if len(candidates) == 0 {
			continue
		}
		s.poolMu.RLock()
		sort.SliceStable(candidates, func(i, j int) bool {
			return rates[candidates[i].Key()].SuccessRate() > rates[candidates[j].Key()].SuccessRate()
		})
		s.poolMu.RUnlock()
		chosen := candidates[0]
		state.used[chosen.Key()] = struct{}{}
		return chosen, nil
	}
	return domain.Proxy{}, ErrPoolExhausted
}

// ClearUsedProxies resets the exclusion set for targetID.
func (s *Service) ClearUsedProxies(targetID string) {
	s.targetsMu.Lock()
	state, ok := s.targets[targetID]
	s.targetsMu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.used = make(map[string]struct{})
	state.mu.Unlock()
}

// RecordUsage stores telemetry in the background. It never fails the caller.
func (s *Service) RecordUsage(_ context.Context, record domain.ProxyUsageRecord) {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.clock.Now()
	}
	metrics.ObserveProxyUsage(string(record.Tier), record.Success)

	s.poolMu.Lock()
	stats := s.rates[record.ProxyAddress]
	stats.Attempts++
	if record.Success {
		stats.Successes++
	}
	s.rates[record.ProxyAddress] = stats
	s.poolMu.Unlock()

	if s.usage == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
		defer cancel()
		if err := s.usage.RecordUsage(ctx, record); err != nil {
			s.logger.Warn("record proxy usage failed",
				zap.String("proxy", record.ProxyAddress),
				zap.String("target_id", record.TargetID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background usage writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Refresh re-fetches the upstream list. A failed or empty fetch keeps the
// previous pool.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Service) refreshLocked(ctx context.Context) error {
	fetched, err := s.provider.Fetch(ctx)
	if err != nil {
		s.logger.Warn("proxy refresh failed; keeping previous pool", zap.Error(err))
		return fmt.Errorf("fetch proxies: %w", err)
	}
	pool := dedupe(fetched)
	if len(pool) == 0 {
		s.logger.Warn("proxy refresh returned no proxies; keeping previous pool")
		return ErrPoolEmpty
	}

	rates := s.loadRates(ctx)
	now := s.clock.Now()

	s.poolMu.Lock()
	changed := !samePool(s.pool, pool)
	s.pool = pool
	s.refreshedAt = now
	if rates != nil {
		s.rates = rates
	}
	if changed {
		s.generation++
	}
	generation := s.generation
	s.poolMu.Unlock()

	if changed {
		s.targetsMu.Lock()
		s.targets = make(map[string]*targetState)
		s.targetsMu.Unlock()
	}
	s.logger.Info("proxy pool refreshed",
		zap.Int("size", len(pool)),
		zap.Uint64("generation", generation),
		zap.Bool("changed", changed))
	return nil
}

func (s *Service) ensureFresh(ctx context.Context) {
	s.poolMu.RLock()
	due := len(s.pool) == 0 || s.clock.Now().Sub(s.refreshedAt) >= s.cfg.RefreshInterval
	s.poolMu.RUnlock()
	if !due {
		return
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.poolMu.RLock()
	due = len(s.pool) == 0 || s.clock.Now().Sub(s.refreshedAt) >= s.cfg.RefreshInterval
	s.poolMu.RUnlock()
	if due {
		_ = s.refreshLocked(ctx) //nolint:errcheck // logged; previous pool stays in service
	}
}

func (s *Service) loadRates(ctx context.Context) map[string]domain.ProxyStats {
	if s.usage == nil {
		return nil
	}
	rates, err := s.usage.SuccessRates(ctx, s.clock.Now().Add(-s.cfg.StatsWindow))
	if err != nil {
		s.logger.Warn("load proxy success rates failed", zap.Error(err))
		return nil
	}
	return rates
}

func (s *Service) target(targetID string) *targetState {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	state, ok := s.targets[targetID]
	if !ok {
		state = &targetState{used: make(map[string]struct{})}
		s.targets[targetID] = state
	}
	return state
}

// Stats reports the pool composition.
func (s *Service) Stats() PoolStats {
	s.poolMu.RLock()
	stats := PoolStats{
		Size:        len(s.pool),
		Generation:  s.generation,
		ByTier:      make(map[domain.Tier]int),
		RefreshedAt: s.refreshedAt,
	}
	for _, p := range s.pool {
		stats.ByTier[p.Tier]++
	}
	s.poolMu.RUnlock()
	s.targetsMu.Lock()
	stats.Targets = len(s.targets)
	s.targetsMu.Unlock()
	return stats
}

func dedupe(proxies []domain.Proxy) []domain.Proxy {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]domain.Proxy, 0, len(proxies))
	for _, p := range proxies {
		if p.Address == "" || p.Port <= 0 {
			continue
		}
		if _, dup := seen[p.Key()]; dup {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	return out
}

func samePool(a, b []domain.Proxy) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]domain.Tier, len(a))
	for _, p := range a {
		keys[p.Key()] = p.Tier
	}
	for _, p := range b {
		tier, ok := keys[p.Key()]
		if !ok || tier != p.Tier {
			return false
		}
	}
	return true
}
