package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the external tool-invocation service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type listResponse struct {
	Items []Tool `json:"items"`
}

func (c *Client) List(ctx context.Context, userID int64, toolkit string, limit int) ([]Tool, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("toolkits", toolkit)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tools request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tools for toolkit %s: %w", toolkit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tool service returned %d for toolkit %s: %s", resp.StatusCode, toolkit, body)
	}

	var decoded listResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode tools response: %w", err)
	}

	return decoded.Items, nil
}

type executeRequest struct {
	UserID    int64           `json:"user_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) Execute(ctx context.Context, userID int64, name string, args json.RawMessage) (string, error) {
	payload, err := json.Marshal(executeRequest{
		UserID:    userID,
		Tool:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/execute", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build execute request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute tool %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("tool service returned %d for tool %s: %s", resp.StatusCode, name, body)
	}

	var decoded executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode execute response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("tool %s failed: %s", name, decoded.Error)
	}

	return decoded.Output, nil
}
