package crawl

import (
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// Config tunes the crawl loop.
type Config struct {
	MaxAttempts      int
	MaxReviews       int
	MaxListings      int
	MaxScrolls       int
	StaleScrollLimit int
	PanelWaitRetries int
	PanelWaitDelay   time.Duration
	SettleDelay      time.Duration
	MapsBaseURL      string
	Language         string
	PreferredTier    domain.Tier
	AllowDirect      bool
	SnapshotFailures bool
	SnapshotPrefix   string
	ScrollStep       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      10,
		MaxReviews:       50,
		MaxListings:      20,
		MaxScrolls:       15,
		StaleScrollLimit: 3,
		PanelWaitRetries: 10,
		PanelWaitDelay:   500 * time.Millisecond,
		SettleDelay:      time.Second,
		MapsBaseURL:      "https://www.google.com/maps",
		Language:         "tr",
		PreferredTier:    domain.TierHigh,
		SnapshotPrefix:   "snapshots",
		ScrollStep:       2500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxReviews <= 0 {
		c.MaxReviews = d.MaxReviews
	}
	if c.MaxListings <= 0 {
		c.MaxListings = d.MaxListings
	}
	if c.MaxScrolls < 0 {
		c.MaxScrolls = d.MaxScrolls
	}
	if c.StaleScrollLimit <= 0 {
		c.StaleScrollLimit = d.StaleScrollLimit
	}
	if c.PanelWaitRetries <= 0 {
		c.PanelWaitRetries = d.PanelWaitRetries
	}
	if c.PanelWaitDelay < 0 {
		c.PanelWaitDelay = d.PanelWaitDelay
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.MapsBaseURL == "" {
		c.MapsBaseURL = d.MapsBaseURL
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.PreferredTier == "" {
		c.PreferredTier = d.PreferredTier
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = d.SnapshotPrefix
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = d.ScrollStep
	}
	return c
}
