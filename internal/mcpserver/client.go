package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the Mosyne API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// MosyneClient is a pure HTTP client for the Mosyne query API.
type MosyneClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMosyneClient creates a new client for the Mosyne API.
func NewMosyneClient(cfg Config) *MosyneClient {
	return &MosyneClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *MosyneClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWalletRisk returns the stored risk profile for an address.
func (c *MosyneClient) GetWalletRisk(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+address+"/risk", nil, nil)
}

// GetWalletPatterns returns the patterns an address has recently matched.
func (c *MosyneClient) GetWalletPatterns(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+address+"/patterns", nil, nil)
}

// EvaluateTransaction runs the full signing-time assessment for a target.
func (c *MosyneClient) EvaluateTransaction(ctx context.Context, target string) (json.RawMessage, error) {
	body := map[string]string{"targetAddress": target}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/evaluate", nil, body)
}

// ListPermissions returns a user's active grants.
func (c *MosyneClient) ListPermissions(ctx context.Context, user string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+user+"/permissions", nil, nil)
}

// GetStats returns memory-wide pattern statistics.
func (c *MosyneClient) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}
