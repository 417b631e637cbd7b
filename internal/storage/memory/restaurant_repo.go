package memory

import (
	"context"
	"sync"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// RestaurantRepository stores restaurants and their reviews in memory.
type RestaurantRepository struct {
	mu          sync.RWMutex
	restaurants map[string]domain.Restaurant
	reviews     map[string][]domain.ScrapedReview
	crawledAt   map[string]time.Time
}

// NewRestaurantRepository constructs an empty RestaurantRepository.
func NewRestaurantRepository() *RestaurantRepository {
	return &RestaurantRepository{
		restaurants: make(map[string]domain.Restaurant),
		reviews:     make(map[string][]domain.ScrapedReview),
		crawledAt:   make(map[string]time.Time),
	}
}

// UpsertRestaurant inserts or replaces a restaurant, keeping known fields the update lacks.
func (r *RestaurantRepository) UpsertRestaurant(_ context.Context, restaurant domain.Restaurant) (domain.Restaurant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.restaurants[restaurant.ID]; ok {
		if restaurant.Address == "" {
			restaurant.Address = existing.Address
		}
		if restaurant.URL == "" {
			restaurant.URL = existing.URL
		}
		if restaurant.PlaceID == "" {
			restaurant.PlaceID = existing.PlaceID
		}
		if restaurant.PriceLevel == "" {
			restaurant.PriceLevel = existing.PriceLevel
		}
		if restaurant.Lat == 0 && restaurant.Lon == 0 {
			restaurant.Lat, restaurant.Lon = existing.Lat, existing.Lon
		}
	}
	r.restaurants[restaurant.ID] = restaurant
	return restaurant, nil
}

// GetRestaurant returns a restaurant by ID.
func (r *RestaurantRepository) GetRestaurant(_ context.Context, id string) (domain.Restaurant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	restaurant, ok := r.restaurants[id]
	if !ok {
		return domain.Restaurant{}, domain.ErrNotFound
	}
	return restaurant, nil
}

// SaveReviews appends reviews not yet stored for (restaurant, keyword), deduplicated
// by author and text, and records the crawl time.
func (r *RestaurantRepository) SaveReviews(
	_ context.Context,
	restaurantID, keyword string,
	reviews []domain.ScrapedReview,
	crawledAt time.Time,
) (int, error) {
	key := reviewKey(restaurantID, keyword)
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.reviews[key]))
	for _, rv := range r.reviews[key] {
		seen[rv.Author+"\x00"+rv.Text] = struct{}{}
	}
	inserted := 0
	for _, rv := range reviews {
		id := rv.Author + "\x00" + rv.Text
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r.reviews[key] = append(r.reviews[key], rv)
		inserted++
	}
	r.crawledAt[key] = crawledAt
	return inserted, nil
}

// ListReviews returns up to limit stored reviews (all when limit <= 0).
func (r *RestaurantRepository) ListReviews(_ context.Context, restaurantID, keyword string, limit int) ([]domain.ScrapedReview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.reviews[reviewKey(restaurantID, keyword)]
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	return append([]domain.ScrapedReview(nil), stored...), nil
}

// RecentlyCrawled reports whether (restaurant, keyword) was crawled at or after since.
func (r *RestaurantRepository) RecentlyCrawled(_ context.Context, restaurantID, keyword string, since time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.crawledAt[reviewKey(restaurantID, keyword)]
	return ok && !at.Before(since), nil
}

func reviewKey(restaurantID, keyword string) string {
	return restaurantID + "|" + domain.NormalizeQuery(keyword)
}
