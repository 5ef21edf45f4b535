// Package leaderboard fetches a wallet's builder score from an external
// HTTP API. Every call is best effort; callers render a placeholder on error.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.builderscore.xyz".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to each request. Defaults to 10 seconds.
	Timeout time.Duration

	// RequestsPerMinute throttles calls client side. Defaults to 10.
	RequestsPerMinute int
}

// Score is a wallet's standing on the leaderboard.
type Score struct {
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	WeeklyRank int     `json:"weekly_rank"`
	Rewards    string  `json:"rewards"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient returns ErrNotConfigured when cfg.BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("leaderboard: invalid base URL %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}, nil
}

// Score returns the current score for address.
func (c *Client) Score(ctx context.Context, address common.Address) (*Score, error) {
	var s Score
	if err := c.get(ctx, "/v1/builders/"+address.Hex()+"/score", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("leaderboard: throttled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("leaderboard: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("leaderboard: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("leaderboard: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp.StatusCode, body)
	}

	// Some deployments wrap the payload in {"data": ...}.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		body = envelope.Data
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("leaderboard: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	switch {
	case json.Unmarshal(body, &payload) == nil && payload.Message != "":
		e.Message = payload.Message
	case payload.Error != "":
		e.Message = payload.Error
	default:
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
