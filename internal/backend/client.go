package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/technosupport/ts-campus/internal/events"
)

const maxBodyBytes = 4 << 20

// TokenSource supplies the bearer token for backend requests.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the monitoring backend's REST API.
type Client struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error: path=%s status=%d body=%s", e.Path, e.Status, e.Body)
}

// do issues the request and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		token, err := c.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, b)
		return nil, &StatusError{Path: path, Status: resp.StatusCode, Body: string(b[:n])}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	log.WithField("path", path).Debugf("Backend response: %d bytes", len(data))
	return data, nil
}

// FetchEvents returns the latest limit events, newest first.
func (c *Client) FetchEvents(ctx context.Context, limit int) ([]events.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	data, err := c.do(ctx, http.MethodGet, "/api/events/?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return events.DecodeEvents(data)
}

// FetchStats returns the backend's aggregate counters.
func (c *Client) FetchStats(ctx context.Context) (events.Stats, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/events/stats", nil)
	if err != nil {
		return events.Stats{}, err
	}
	return events.DecodeStats(data)
}

// FetchUserCount returns the number of registered users. Admin only on the backend.
func (c *Client) FetchUserCount(ctx context.Context) (int, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/auth/user-count", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		TotalUsers *int `json:"total_users"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("decode user count: %w", err)
	}
	if resp.TotalUsers == nil {
		return 0, fmt.Errorf("decode user count: missing total_users")
	}
	return *resp.TotalUsers, nil
}

// Health reports the backend's own status string ("ok" when healthy).
func (c *Client) Health(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return "error", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "error", fmt.Errorf("decode health: %w", err)
	}
	return resp.Status, nil
}

// ImageURL resolves an event image_path against the backend base URL.
func (c *Client) ImageURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL + path
}
