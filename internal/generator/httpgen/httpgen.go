// Package httpgen talks to a content-generation service over HTTP.
package httpgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"livestory/internal/generator"
)

const suggestionsPath = "/v1/suggestions"

// Client posts generator.Request payloads to {BaseURL}/v1/suggestions.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// MaxRetries bounds retries of transport errors and 5xx/429 responses.
	MaxRetries uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

var _ generator.Generator = (*Client)(nil)

func New(baseURL, apiKey string, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          apiKey,
		HTTPClient:      &http.Client{},
		MaxRetries:      uint64(maxRetries),
		InitialInterval: 200 * time.Millisecond,
	}
}

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generator status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		bo.InitialInterval = c.InitialInterval
	}
	// the caller's deadline bounds total time
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, c.MaxRetries), ctx)
}

func (c *Client) Suggest(ctx context.Context, req generator.Request) (*generator.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out *generator.Response
	err = backoff.Retry(func() error {
		resp, err := c.post(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if se, ok := err.(*StatusError); ok && !se.retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}, c.newBackoff(ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, data []byte) (*generator.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+suggestionsPath, bytes.NewReader(data))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out generator.Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode generator response: %w", err))
	}
	return &out, nil
}
