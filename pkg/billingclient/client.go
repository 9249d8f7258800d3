/**
 * @description
 * Client for the billing-service internal operations API, used by the
 * billing-scheduler to trigger periodic jobs.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client provides methods to interact with the billing-service internal API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new billing-service client.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// ReclaimWebhooks requeues stuck webhook events.
func (c *Client) ReclaimWebhooks(ctx context.Context) (map[string]any, error) {
	return c.post(ctx, "/internal/billing/webhooks/reclaim")
}

// AlertFailedWebhooks notifies operators about exhausted webhook events.
func (c *Client) AlertFailedWebhooks(ctx context.Context) (map[string]any, error) {
	return c.post(ctx, "/internal/billing/webhooks/alert-failed")
}

// RunRenewals charges subscriptions due for renewal.
func (c *Client) RunRenewals(ctx context.Context) (map[string]any, error) {
	return c.post(ctx, "/internal/billing/renewals/run")
}

// SendDigest delivers the weekly digest.
func (c *Client) SendDigest(ctx context.Context) (map[string]any, error) {
	return c.post(ctx, "/internal/billing/digest/send")
}

// CheckDigestHealth alerts when the digest stopped arriving.
func (c *Client) CheckDigestHealth(ctx context.Context) (map[string]any, error) {
	return c.post(ctx, "/internal/billing/digest/health")
}

func (c *Client) post(ctx context.Context, path string) (map[string]any, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("billing service base URL is not configured")
	}

	url := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("billing service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	result := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return result, nil
}
