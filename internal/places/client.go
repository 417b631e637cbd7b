// Package places is a thin client for the official places API (nearby search
// and place details).
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/ratelimit"
)

// DefaultBaseURL is the legacy places web service root.
const DefaultBaseURL = "https://maps.googleapis.com/maps/api/place"

const detailFields = "place_id,name,formatted_address,geometry,rating,user_ratings_total,price_level,url,reviews"

// ErrRequestDenied is returned when the API rejects the key or quota.
var ErrRequestDenied = errors.New("places request denied")

// Config configures the client.
type Config struct {
	APIKey   string
	BaseURL  string
	RPS      float64
	Language string
	Timeout  time.Duration
}

// Client calls the places web service.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New returns a Client, or nil when no API key is configured so callers can
// fall back to crawl-only discovery.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Language == "" {
		cfg.Language = "tr"
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:    httpClient,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.RPS, Burst: 1}),
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("places"),
	}
}

type location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type place struct {
	PlaceID          string  `json:"place_id"`
	Name             string  `json:"name"`
	Vicinity         string  `json:"vicinity"`
	FormattedAddress string  `json:"formatted_address"`
	Rating           float64 `json:"rating"`
	UserRatingsTotal int     `json:"user_ratings_total"`
	PriceLevel       *int    `json:"price_level"`
	URL              string  `json:"url"`
	Geometry         *struct {
		Location location `json:"location"`
	} `json:"geometry"`
	Reviews []struct {
		AuthorName   string  `json:"author_name"`
		Rating       float64 `json:"rating"`
		Text         string  `json:"text"`
		RelativeTime string  `json:"relative_time_description"`
	} `json:"reviews"`
}

type envelope struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message"`
	Results      []place         `json:"results"`
	Result       json.RawMessage `json:"result"`
}

// SearchNearby lists restaurants around a point matching keyword.
func (c *Client) SearchNearby(ctx context.Context, lat, lon float64, keyword string, radiusMeters int) ([]domain.Listing, error) {
	params := url.Values{}
	params.Set("location", strconv.FormatFloat(lat, 'f', 6, 64)+","+strconv.FormatFloat(lon, 'f', 6, 64))
	params.Set("radius", strconv.Itoa(max(radiusMeters, 1)))
	params.Set("type", "restaurant")
	if kw := strings.TrimSpace(keyword); kw != "" {
		params.Set("keyword", kw)
	}

	env, err := c.get(ctx, "nearbysearch", params)
	if err != nil {
		return nil, err
	}
	listings := make([]domain.Listing, 0, len(env.Results))
	for _, p := range env.Results {
		listings = append(listings, p.listing())
	}
	c.logger.Debug("nearby search", zap.String("query", keyword), zap.Int("results", len(listings)))
	return listings, nil
}

// GetDetails fetches one place with its review snippets.
func (c *Client) GetDetails(ctx context.Context, placeID string) (domain.PlaceDetails, error) {
	if strings.TrimSpace(placeID) == "" {
		return domain.PlaceDetails{}, errors.New("place id is required")
	}
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", detailFields)

	env, err := c.get(ctx, "details", params)
	if err != nil {
		return domain.PlaceDetails{}, err
	}
	if env.Status == "ZERO_RESULTS" || len(env.Result) == 0 {
		return domain.PlaceDetails{}, domain.ErrNotFound
	}
	var p place
	if err := json.Unmarshal(env.Result, &p); err != nil {
		return domain.PlaceDetails{}, fmt.Errorf("decode place details: %w", err)
	}
	details := domain.PlaceDetails{Listing: p.listing()}
	for _, r := range p.Reviews {
		details.Reviews = append(details.Reviews, domain.PlaceReview{
			Author:       r.AuthorName,
			Rating:       r.Rating,
			Text:         r.Text,
			RelativeTime: r.RelativeTime,
		})
	}
	return details, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (envelope, error) {
	params.Set("language", c.cfg.Language)
	params.Set("key", c.cfg.APIKey)
	target := c.cfg.BaseURL + "/" + endpoint + "/json?" + params.Encode()

	if err := c.limiter.Wait(ctx, target); err != nil {
		return envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return envelope{}, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("%s: unexpected status %d", endpoint, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	switch env.Status {
	case "OK", "ZERO_RESULTS":
		return env, nil
	case "REQUEST_DENIED", "OVER_QUERY_LIMIT":
		return envelope{}, fmt.Errorf("%w: %s %s", ErrRequestDenied, env.Status, env.ErrorMessage)
	default:
		return envelope{}, fmt.Errorf("%s: status %s %s", endpoint, env.Status, env.ErrorMessage)
	}
}

func (p place) listing() domain.Listing {
	l := domain.Listing{
		PlaceID:     p.PlaceID,
		Name:        strings.TrimSpace(p.Name),
		Address:     p.FormattedAddress,
		Rating:      p.Rating,
		ReviewCount: p.UserRatingsTotal,
		URL:         p.URL,
	}
	if l.Address == "" {
		l.Address = p.Vicinity
	}
	if p.Geometry != nil {
		l.Lat, l.Lon, l.HasCoordinates = p.Geometry.Location.Lat, p.Geometry.Location.Lng, true
	}
	if p.PriceLevel != nil && *p.PriceLevel > 0 {
		l.PriceLevel = strings.Repeat("₺", min(*p.PriceLevel, 4))
	}
	return l
}
