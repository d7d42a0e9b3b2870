// Package nim provides REST clients for NIM inference microservices: the
// two-stage retrieval pipeline (embedding + reranking) and the chat
// completion synthesizer that turns planning prompts into deployment
// artifacts.
package nim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/resilience"
)

// Client talks to a NIM-style HTTP service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a NIM client for the given base URL. The timeout bounds
// every request end to end; callers pass tighter deadlines via context.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fault.New(fault.KindTransient, fmt.Errorf("http request: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fault.New(fault.KindTransient, fmt.Errorf("read response: %w", err))
		}

		if resp.StatusCode >= 400 {
			kind := fault.KindSemantic
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				kind = fault.KindTransient
			}
			return fault.Newf(kind, "nim API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// unmarshalResponse decodes data into dst, tagging parse failures as
// semantic faults so callers do not retry them.
func unmarshalResponse(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fault.New(fault.KindSemantic, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
