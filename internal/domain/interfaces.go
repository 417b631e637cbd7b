package domain

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// PlacesClient is the thin client of the billed official places API.
type PlacesClient interface {
	SearchNearby(ctx context.Context, lat, lon float64, keyword string, radiusMeters int) ([]Listing, error)
	GetDetails(ctx context.Context, placeID string) (PlaceDetails, error)
}

// ReviewAnalyzer scores a restaurant from its review texts.
type ReviewAnalyzer interface {
	Analyze(ctx context.Context, restaurantName, keyword string, reviewTexts []string) (Analysis, error)
}

// RestaurantRepository persists crawled or API-sourced restaurant facts.
type RestaurantRepository interface {
	UpsertRestaurant(ctx context.Context, restaurant Restaurant) (Restaurant, error)
	GetRestaurant(ctx context.Context, id string) (Restaurant, error)
}

// ReviewRepository persists reviews per restaurant and keyword.
type ReviewRepository interface {
	SaveReviews(ctx context.Context, restaurantID, keyword string, reviews []ScrapedReview, crawledAt time.Time) (int, error)
	ListReviews(ctx context.Context, restaurantID, keyword string, limit int) ([]ScrapedReview, error)
	RecentlyCrawled(ctx context.Context, restaurantID, keyword string, since time.Time) (bool, error)
}

// ProxyUsageRecorder stores proxy usage telemetry.
type ProxyUsageRecorder interface {
	RecordUsage(ctx context.Context, record ProxyUsageRecord) error
	SuccessRates(ctx context.Context, since time.Time) (map[string]ProxyStats, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
