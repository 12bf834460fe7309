// Package ocr is the HTTP client for the last-resort image-to-text service.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 16 << 20

	breakerMaxRequests  = 1
	breakerInterval     = time.Minute
	breakerOpenTimeout  = 30 * time.Second
	breakerFailureLimit = 5
)

// ErrServiceUnavailable wraps responses that should trip the breaker.
var ErrServiceUnavailable = errors.New("ocr service unavailable")

// Config configures a Client.
type Config struct {
	Endpoint      string
	APIKey        string
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
}

// Client posts PNG images to an OCR endpoint and returns the text. Calls
// are rate limited and guarded by a circuit breaker.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

type extractResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ocr endpoint must be set")
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ocr",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureLimit
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations and bad input are not the service's fault.
			return err == nil || !errors.Is(err, ErrServiceUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("OCR circuit breaker changed state.", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  breaker,
	}, nil
}

// ExtractFromImage returns the text recognized in a PNG image.
func (c *Client) ExtractFromImage(ctx context.Context, png []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ocr rate limiter: %w", err)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, png)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) post(ctx context.Context, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ocr request: %w", err)
		}
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrServiceUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("ocr request rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed extractResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ocr service error: %s", parsed.Error)
	}
	return parsed.Text, nil
}
