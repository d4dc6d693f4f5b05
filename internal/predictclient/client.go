// Package predictclient is an HTTP client for the turbineoracle API.
package predictclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// APIError is a non-retryable error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IngestResponse is the result of an ingest call.
type IngestResponse struct {
	Received  int `json:"received"`
	Forwarded int `json:"forwarded"`
}

// Client provides access to the prediction and ingestion endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(maxRetries int, delay time.Duration) *Client {
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	c.retryDelay = delay
	return c
}

// Predict scores one feature mapping. Non-finite values are sent as null.
func (c *Client) Predict(ctx context.Context, features map[string]float64) (*models.PredictionResult, error) {
	payload := make(map[string]any, len(features))
	for k, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			payload[k] = nil
			continue
		}
		payload[k] = v
	}

	var res models.PredictionResult
	if err := c.post(ctx, "/api/v1/predict", payload, &res); err != nil {
		return nil, fmt.Errorf("failed to predict: %w", err)
	}
	return &res, nil
}

// Ingest sends raw readings to the relay endpoint.
func (c *Client) Ingest(ctx context.Context, records []map[string]any) (*IngestResponse, error) {
	var res IngestResponse
	if err := c.post(ctx, "/api/v1/ingest", records, &res); err != nil {
		return nil, fmt.Errorf("failed to ingest: %w", err)
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.doRequest(ctx, c.baseURL+path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
			resp.Body.Close()
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(data))
}
