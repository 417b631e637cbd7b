package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// RecommendThreshold is the minimum rating the heuristic recommends.
const RecommendThreshold = 4.0

// Heuristic derives a verdict from the public rating alone.
func Heuristic(rating float64, reviewCount int) domain.Analysis {
	a := domain.Analysis{
		Score:          clampScore(math.Round(rating*20) / 10),
		PositivePoints: []string{},
		NegativePoints: []string{},
		Recommended:    rating >= RecommendThreshold,
	}
	switch {
	case rating <= 0:
		a.Summary = "Yeterli değerlendirme bulunamadı."
	case a.Recommended:
		a.Summary = fmt.Sprintf("%d değerlendirmede ortalama %.1f puan; genel memnuniyet yüksek.", reviewCount, rating)
		a.PositivePoints = append(a.PositivePoints, fmt.Sprintf("Ortalama puan %.1f", rating))
	default:
		a.Summary = fmt.Sprintf("%d değerlendirmede ortalama %.1f puan; görüşler karışık.", reviewCount, rating)
		a.NegativePoints = append(a.NegativePoints, fmt.Sprintf("Ortalama puan %.1f", rating))
	}
	return a
}

// KeywordRating averages the star ratings of reviews that mention the
// searched dish. ok is false when none do.
func KeywordRating(reviews []domain.ScrapedReview) (float64, bool) {
	var sum float64
	n := 0
	for _, r := range reviews {
		if len(r.MatchedKeywords) == 0 || r.Rating <= 0 {
			continue
		}
		sum += r.Rating
		n++
	}
	if n == 0 {
		return 0, false
	}
	return math.Round(sum/float64(n)*10) / 10, true
}

// Analyzer tries a model-backed analyzer and falls back to the heuristic.
type Analyzer struct {
	model  domain.ReviewAnalyzer
	logger *zap.Logger
}

// NewAnalyzer wraps model, which may be nil.
func NewAnalyzer(model domain.ReviewAnalyzer, logger *zap.Logger) *Analyzer {
	return &Analyzer{model: model, logger: logging.OrNop(logger).Named("analysis")}
}

// Subject is what the Analyzer evaluates.
type Subject struct {
	Name        string
	Keyword     string
	Rating      float64
	ReviewCount int
	Reviews     []string
}

// Evaluate returns the model verdict when one is available and the heuristic
// otherwise. The bool reports whether the model produced the verdict.
func (a *Analyzer) Evaluate(ctx context.Context, s Subject) (domain.Analysis, bool) {
	if a.model == nil || len(s.Reviews) == 0 {
		return Heuristic(s.Rating, s.ReviewCount), false
	}
	verdict, err := a.model.Analyze(ctx, s.Name, s.Keyword, s.Reviews)
	if err != nil {
		level := a.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = a.logger.Debug
		}
		level("analysis fell back to heuristic", zap.String("restaurant", s.Name), zap.Error(err))
		return Heuristic(s.Rating, s.ReviewCount), false
	}
	return verdict, true
}
