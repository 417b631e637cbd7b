package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

const restaurantColumns = `id, place_id, name, address, lat, lon, rating, review_count, price_level, url, updated_at`

// RestaurantRepository stores restaurants, their reviews and crawl times.
type RestaurantRepository struct {
	db DB
}

// NewRestaurantRepository wraps db.
func NewRestaurantRepository(db DB) *RestaurantRepository {
	return &RestaurantRepository{db: db}
}

// UpsertRestaurant inserts or replaces a restaurant, keeping known fields the
// update leaves empty.
func (r *RestaurantRepository) UpsertRestaurant(ctx context.Context, restaurant domain.Restaurant) (domain.Restaurant, error) {
	query := `
INSERT INTO restaurants (` + restaurantColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	place_id = COALESCE(NULLIF(EXCLUDED.place_id, ''), restaurants.place_id),
	name = EXCLUDED.name,
	address = COALESCE(NULLIF(EXCLUDED.address, ''), restaurants.address),
	lat = CASE WHEN EXCLUDED.lat = 0 AND EXCLUDED.lon = 0 THEN restaurants.lat ELSE EXCLUDED.lat END,
	lon = CASE WHEN EXCLUDED.lat = 0 AND EXCLUDED.lon = 0 THEN restaurants.lon ELSE EXCLUDED.lon END,
	rating = EXCLUDED.rating,
	review_count = EXCLUDED.review_count,
	price_level = COALESCE(NULLIF(EXCLUDED.price_level, ''), restaurants.price_level),
	url = COALESCE(NULLIF(EXCLUDED.url, ''), restaurants.url),
	updated_at = EXCLUDED.updated_at
RETURNING ` + restaurantColumns
	row := r.db.QueryRow(ctx, query,
		restaurant.ID,
		restaurant.PlaceID,
		restaurant.Name,
		restaurant.Address,
		restaurant.Lat,
		restaurant.Lon,
		restaurant.Rating,
		restaurant.ReviewCount,
		restaurant.PriceLevel,
		restaurant.URL,
		restaurant.UpdatedAt,
	)
	var out domain.Restaurant
	if err := scanRestaurant(row, &out); err != nil {
		return domain.Restaurant{}, fmt.Errorf("upsert restaurant: %w", err)
	}
	return out, nil
}

// GetRestaurant returns a restaurant by ID.
func (r *RestaurantRepository) GetRestaurant(ctx context.Context, id string) (domain.Restaurant, error) {
	var out domain.Restaurant
	row := r.db.QueryRow(ctx, `SELECT `+restaurantColumns+` FROM restaurants WHERE id = $1`, id)
	if err := scanRestaurant(row, &out); err != nil {
		return domain.Restaurant{}, wrapNotFound("get restaurant", err)
	}
	return out, nil
}

// SaveReviews inserts reviews not yet stored for (restaurant, keyword),
// deduplicated by author and text, and records the crawl time in one
// transaction.
func (r *RestaurantRepository) SaveReviews(
	ctx context.Context,
	restaurantID, keyword string,
	reviews []domain.ScrapedReview,
	crawledAt time.Time,
) (inserted int, err error) {
	keyword = domain.NormalizeQuery(keyword)
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin save reviews: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	insert := `
INSERT INTO reviews (restaurant_id, keyword, author, text, rating, relative_time, price_per_person, matched_keywords, crawled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (restaurant_id, keyword, author, text) DO NOTHING`
	for _, rv := range reviews {
		matched, err := json.Marshal(nonNilStrings(rv.MatchedKeywords))
		if err != nil {
			return 0, fmt.Errorf("marshal matched keywords: %w", err)
		}
		tag, err := tx.Exec(ctx, insert,
			restaurantID, keyword, rv.Author, rv.Text, rv.Rating, rv.RelativeTime, rv.PricePerPerson, matched, crawledAt)
		if err != nil {
			return 0, fmt.Errorf("insert review: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	_, err = tx.Exec(ctx, `
INSERT INTO review_crawls (restaurant_id, keyword, crawled_at) VALUES ($1,$2,$3)
ON CONFLICT (restaurant_id, keyword) DO UPDATE SET crawled_at = EXCLUDED.crawled_at`,
		restaurantID, keyword, crawledAt)
	if err != nil {
		return 0, fmt.Errorf("record crawl time: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit save reviews: %w", err)
	}
	return inserted, nil
}

// ListReviews returns up to limit stored reviews in insertion order (all when
// limit <= 0).
func (r *RestaurantRepository) ListReviews(ctx context.Context, restaurantID, keyword string, limit int) ([]domain.ScrapedReview, error) {
	query := `
SELECT author, rating, text, relative_time, price_per_person, matched_keywords
FROM reviews WHERE restaurant_id = $1 AND keyword = $2
ORDER BY id
LIMIT $3`
	rows, err := r.db.Query(ctx, query, restaurantID, domain.NormalizeQuery(keyword), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []domain.ScrapedReview
	for rows.Next() {
		var (
			rv      domain.ScrapedReview
			matched []byte
		)
		if err := rows.Scan(&rv.Author, &rv.Rating, &rv.Text, &rv.RelativeTime, &rv.PricePerPerson, &matched); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if err := json.Unmarshal(matched, &rv.MatchedKeywords); err != nil {
			return nil, fmt.Errorf("decode matched keywords: %w", err)
		}
		if len(rv.MatchedKeywords) == 0 {
			rv.MatchedKeywords = nil
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, nil
}

// RecentlyCrawled reports whether (restaurant, keyword) was crawled at or after since.
func (r *RestaurantRepository) RecentlyCrawled(ctx context.Context, restaurantID, keyword string, since time.Time) (bool, error) {
	var recent bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM review_crawls WHERE restaurant_id = $1 AND keyword = $2 AND crawled_at >= $3)`,
		restaurantID, domain.NormalizeQuery(keyword), since,
	).Scan(&recent)
	if err != nil {
		return false, fmt.Errorf("check recent crawl: %w", err)
	}
	return recent, nil
}

func scanRestaurant(row pgx.Row, out *domain.Restaurant) error {
	return row.Scan(
		&out.ID,
		&out.PlaceID,
		&out.Name,
		&out.Address,
		&out.Lat,
		&out.Lon,
		&out.Rating,
		&out.ReviewCount,
		&out.PriceLevel,
		&out.URL,
		&out.UpdatedAt,
	)
}
