package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestClientAnalyze(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("```json\n{\"score\": 12, \"positive_points\": [\"lezzetli\"], \"recommended\": true, \"summary\": \"iyi\"}\n```")))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Endpoint: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	a, err := c.Analyze(context.Background(), "Çiya", "kebap", []string{"  Kebap   harika ", "", strings.Repeat("a", 700)})

	require.NoError(t, err)
	require.InDelta(t, 10.0, a.Score, 1e-9, "score is clamped")
	require.Equal(t, []string{"lezzetli"}, a.PositivePoints)
	require.Empty(t, a.NegativePoints)
	require.True(t, a.Recommended)

	require.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	prompt := got.Messages[1].Content
	require.Contains(t, prompt, "Restoran: Çiya")
	require.Contains(t, prompt, "1. Kebap harika")
	require.Contains(t, prompt, "2. "+strings.Repeat("a", maxReviewRunes)+"…")
}

func TestClientAnalyzeFailures(t *testing.T) {
	t.Parallel()

	var nilClient *Client
	_, err := nilClient.Analyze(context.Background(), "x", "", []string{"a"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Nil(t, New(Config{}, nil, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{Endpoint: srv.URL}, srv.Client(), nil)

	_, err = c.Analyze(context.Background(), "x", "", []string{"a"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorContains(t, err, "429")

	_, err = c.Analyze(context.Background(), "x", "", []string{" ", ""})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	a, err := ParseVerdict(`Sonuç: {"score": -3, "negative_points": ["soğuk"], "summary": "zayıf"} teşekkürler`)
	require.NoError(t, err)
	require.Zero(t, a.Score)
	require.Equal(t, []string{"soğuk"}, a.NegativePoints)
	require.NotNil(t, a.PositivePoints)

	_, err = ParseVerdict("not json")
	require.Error(t, err)
}

func TestHeuristic(t *testing.T) {
	t.Parallel()

	good := Heuristic(4.6, 1200)
	require.InDelta(t, 9.2, good.Score, 1e-9)
	require.True(t, good.Recommended)
	require.Contains(t, good.Summary, "4.6")
	require.Len(t, good.PositivePoints, 1)

	meh := Heuristic(3.9, 40)
	require.False(t, meh.Recommended)
	require.Len(t, meh.NegativePoints, 1)

	unknown := Heuristic(0, 0)
	require.Zero(t, unknown.Score)
	require.False(t, unknown.Recommended)
	require.NotEmpty(t, unknown.Summary)
}

func TestKeywordRating(t *testing.T) {
	t.Parallel()

	r, ok := KeywordRating([]domain.ScrapedReview{
		{Rating: 5, MatchedKeywords: []string{"kebap"}},
		{Rating: 4, MatchedKeywords: []string{"kebap"}},
		{Rating: 1},
		{Rating: 0, MatchedKeywords: []string{"kebap"}},
	})
	require.True(t, ok)
	require.InDelta(t, 4.5, r, 1e-9)

	_, ok = KeywordRating([]domain.ScrapedReview{{Rating: 3}})
	require.False(t, ok)
}

type stubModel struct {
	verdict domain.Analysis
	err     error
	calls   int
}

func (s *stubModel) Analyze(context.Context, string, string, []string) (domain.Analysis, error) {
	s.calls++
	return s.verdict, s.err
}

func TestAnalyzerEvaluate(t *testing.T) {
	t.Parallel()

	subject := Subject{Name: "Çiya", Keyword: "kebap", Rating: 4.2, ReviewCount: 10, Reviews: []string{"güzel"}}

	model := &stubModel{verdict: domain.Analysis{Score: 8.5, Summary: "model"}}
	got, fromModel := NewAnalyzer(model, nil).Evaluate(context.Background(), subject)
	require.True(t, fromModel)
	require.Equal(t, "model", got.Summary)

	failing := &stubModel{err: errors.New("boom")}
	got, fromModel = NewAnalyzer(failing, nil).Evaluate(context.Background(), subject)
	require.False(t, fromModel)
	require.InDelta(t, 8.4, got.Score, 1e-9)

	noText := subject
	noText.Reviews = nil
	_, fromModel = NewAnalyzer(model, nil).Evaluate(context.Background(), noText)
	require.False(t, fromModel)
	require.Equal(t, 1, model.calls)

	_, fromModel = NewAnalyzer(nil, nil).Evaluate(context.Background(), subject)
	require.False(t, fromModel)
}
