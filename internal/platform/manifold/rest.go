package manifold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// DefaultRESTURL is the Manifold v0 REST API root.
const DefaultRESTURL = "https://api.manifold.markets/v0"

// defaultBackoff is the wait before each retry of a 502/503/504 response.
var defaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// RESTClient is the request/response client for account and market lookups.
// Gateway errors (502, 503, 504) are retried with exponential backoff; all
// other failures, 4xx included, are returned immediately.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	backoff    []time.Duration
	cache      domain.MarketCache
	logger     *slog.Logger
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithBackoff replaces the retry schedule. One retry is made per entry.
func WithBackoff(schedule []time.Duration) RESTOption {
	return func(c *RESTClient) { c.backoff = schedule }
}

// WithMarketCache enables read-through caching for GetMarket.
func WithMarketCache(cache domain.MarketCache) RESTOption {
	return func(c *RESTClient) { c.cache = cache }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = hc }
}

// NewRESTClient creates a REST client. baseURL defaults to DefaultRESTURL.
func NewRESTClient(baseURL, apiKey string, logger *slog.Logger, opts ...RESTOption) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	c := &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		backoff: defaultBackoff,
		logger:  logger.With(slog.String("component", "manifold_rest")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMe validates the API key and returns the account it belongs to.
func (c *RESTClient) GetMe(ctx context.Context) (domain.Account, error) {
	body, err := c.doGet(ctx, "/me", true)
	if err != nil {
		return domain.Account{}, fmt.Errorf("manifold/rest: get me: %w", err)
	}

	var user APIUser
	if err := json.Unmarshal(body, &user); err != nil {
		return domain.Account{}, fmt.Errorf("manifold/rest: decode me: %w", err)
	}
	return user.ToDomainAccount(), nil
}

// GetMarket returns a single market by id, consulting the market cache first
// when one is configured.
func (c *RESTClient) GetMarket(ctx context.Context, id string) (domain.MarketEvent, error) {
	if c.cache != nil {
		m, err := c.cache.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "market cache read failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	body, err := c.doGet(ctx, "/market/"+url.PathEscape(id), false)
	if err != nil {
		return domain.MarketEvent{}, fmt.Errorf("manifold/rest: get market %s: %w", id, err)
	}

	var contract APIContract
	if err := json.Unmarshal(body, &contract); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("manifold/rest: decode market: %w", err)
	}
	if contract.MissingPrice() {
		return domain.MarketEvent{}, fmt.Errorf("manifold/rest: market %s has no probability: %w", id, domain.ErrInvalidInput)
	}
	m := contract.ToDomainMarket(nil)
	// /market/{id} omits visibility; anything it returns is public.
	if m.Visibility == "" {
		m.Visibility = domain.VisibilityPublic
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, m); err != nil {
			c.logger.WarnContext(ctx, "market cache write failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet performs a GET with retry on gateway errors.
func (c *RESTClient) doGet(ctx context.Context, path string, auth bool) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, status, err := c.get(ctx, path, auth)
		if err == nil {
			return body, nil
		}
		if !retryable(status) || attempt >= len(c.backoff) {
			return nil, err
		}

		wait := c.backoff[attempt]
		c.logger.WarnContext(ctx, "retrying request",
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *RESTClient) get(ctx context.Context, path string, auth bool) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
