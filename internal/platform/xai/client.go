// Package xai is the research collaborator: it asks an xAI model with the X
// search tool for an independent probability estimate of a market question.
package xai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

const (
	// DefaultBaseURL is the xAI API root.
	DefaultBaseURL = "https://api.x.ai/v1"

	// DefaultModel is the model used for research.
	DefaultModel = "grok-4-1-fast"

	defaultTimeout = 120 * time.Second
)

// Config configures a research Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls the xAI responses API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Compile-time interface check.
var _ domain.Researcher = (*Client)(nil)

// NewClient creates a research client. Zero-valued config fields take their
// defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With(slog.String("component", "xai")),
	}
}

type request struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Tools []tool         `json:"tools"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Type string `json:"type"`
}

type response struct {
	Output []outputItem `json:"output"`
	Error  *apiError    `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
}

type outputItem struct {
	Type    string         `json:"type"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text concatenates every output_text block of every message item.
func (r *response) text() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			if block.Type == "output_text" {
				b.WriteString(block.Text)
			}
		}
	}
	return b.String()
}

// Research asks the model for a probability estimate for market and parses
// the reply with ParseResearch.
func (c *Client) Research(ctx context.Context, market domain.MarketEvent) (domain.ResearchResult, error) {
	body, err := json.Marshal(request{
		Model: c.model,
		Input: []inputMessage{{Role: "user", Content: buildPrompt(market.Question, market.TextDescription)}},
		Tools: []tool{{Type: "x_search"}},
	})
	if err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: %w", domain.ErrResearch, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: read response: %w", domain.ErrResearch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: HTTP %d: %s", domain.ErrResearch, resp.StatusCode, respBody)
	}

	var parsed response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: decode response: %w", domain.ErrResearch, err)
	}
	if parsed.Error != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: %s", domain.ErrResearch, parsed.Error.Message)
	}

	c.logger.DebugContext(ctx, "research reply",
		slog.String("market_id", market.ID),
		slog.Duration("elapsed", time.Since(start)),
	)

	return ParseResearch(market.ID, parsed.text())
}

func buildPrompt(question, description string) string {
	var b strings.Builder
	b.WriteString("Search X (Twitter) for recent posts, news, and discussion about the following " +
		"prediction market question. Focus on concrete evidence: official announcements, " +
		"credible reporting, expert opinions, and sentiment from informed accounts.\n\n" +
		"Based ONLY on what you find on X, estimate the probability (0-100) that this resolves YES. " +
		"If you find little or no relevant information, say so and give a low-confidence estimate near 50.\n\n" +
		"If the market is subjective, personal, not objectively resolvable, or depends on information " +
		"you cannot access, reply with a single line:\n" +
		"SKIP: <one sentence why>\n\n" +
		"Otherwise reply in exactly this format:\n" +
		"PROBABILITY: <0-100>%\n" +
		"REASONING: <one paragraph summarising the key evidence>\n\n")
	fmt.Fprintf(&b, "Question: %q", question)
	if description != "" {
		fmt.Fprintf(&b, "\n\nResolution criteria / description:\n%q", description)
	}
	return b.String()
}
