// Package analysis scores restaurants from their review texts, either through
// an OpenAI-compatible chat completion endpoint or a deterministic heuristic.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// ErrUnavailable is returned when the analysis service cannot produce a verdict.
var ErrUnavailable = errors.New("analysis unavailable")

const (
	maxReviewsInPrompt = 30
	maxReviewRunes     = 600
	systemPrompt       = "Sen bir restoran yorum analistisin. Yalnızca geçerli JSON döndür."
)

// Config configures the client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client posts chat completion requests.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

// New returns a Client, or nil when no endpoint is configured.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{http: httpClient, cfg: cfg, logger: logging.OrNop(logger).Named("analysis")}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze asks the model for a verdict on the given reviews.
func (c *Client) Analyze(ctx context.Context, restaurantName, keyword string, reviewTexts []string) (domain.Analysis, error) {
	if c == nil {
		return domain.Analysis{}, ErrUnavailable
	}
	texts := usable(reviewTexts)
	if len(texts) == 0 {
		return domain.Analysis{}, fmt.Errorf("%w: no review text", ErrUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(restaurantName, keyword, texts)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("encode analysis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Analysis{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Analysis{}, fmt.Errorf("decode analysis response: %w", err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return domain.Analysis{}, fmt.Errorf("%w: %s", ErrUnavailable, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return domain.Analysis{}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	verdict, err := ParseVerdict(out.Choices[0].Message.Content)
	if err != nil {
		return domain.Analysis{}, err
	}
	c.logger.Debug("analysis finished",
		zap.String("restaurant", restaurantName),
		zap.Int("reviews", len(texts)),
		zap.Duration("elapsed", time.Since(start)))
	return verdict, nil
}

// ParseVerdict decodes a model reply, tolerating markdown code fences, and
// clamps the score to [0, 10].
func ParseVerdict(content string) (domain.Analysis, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var a domain.Analysis
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return domain.Analysis{}, fmt.Errorf("parse analysis verdict: %w", err)
	}
	a.Score = clampScore(a.Score)
	if a.PositivePoints == nil {
		a.PositivePoints = []string{}
	}
	if a.NegativePoints == nil {
		a.NegativePoints = []string{}
	}
	return a, nil
}

func buildPrompt(name, keyword string, texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Restoran: %s\n", name)
	if keyword != "" {
		fmt.Fprintf(&b, "Aranan yemek: %s\n", keyword)
	}
	b.WriteString("Yorumlar:\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	b.WriteString(`
Yorumları aranan yemek açısından değerlendir ve şu yapıda JSON döndür:
{"score": 0-10 arası sayı, "positive_points": [metin], "negative_points": [metin], "recommended": true/false, "summary": "kısa özet"}`)
	return b.String()
}

func usable(texts []string) []string {
	out := make([]string, 0, min(len(texts), maxReviewsInPrompt))
	for _, t := range texts {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		if r := []rune(t); len(r) > maxReviewRunes {
			t = string(r[:maxReviewRunes]) + "…"
		}
		out = append(out, t)
		if len(out) == maxReviewsInPrompt {
			break
		}
	}
	return out
}

func clampScore(s float64) float64 {
	return min(max(s, 0), 10)
}
