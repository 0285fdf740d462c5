// Package subgraph talks to GraphQL subgraph gateways: a bounded client
// pool, query construction, and response classification.
package subgraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Default configuration values.
const (
	DefaultBaseURL  = "https://gateway.thegraph.com"
	DefaultPoolSize = 16
	DefaultTimeout  = 30 * time.Second
)

// Client posts GraphQL queries with at most poolSize requests in flight.
// Excess callers wait in FIFO order. Connections are reused via transport
// keep-alives, and a failed request never blocks later ones.
type Client struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	slots    chan struct{}
	poolSize int
	active   atomic.Int64
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithPoolSize sets the maximum number of concurrent requests.
func WithPoolSize(n int) ClientOption {
	return func(c *Client) {
		c.poolSize = n
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a subgraph gateway client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		apiKey:   apiKey,
		poolSize: DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        c.poolSize,
				MaxIdleConnsPerHost: c.poolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c.slots = make(chan struct{}, c.poolSize)
	return c
}

// ActiveCount reports the number of in-flight requests.
func (c *Client) ActiveCount() int {
	return int(c.active.Load())
}

// Post sends a query body to /api/subgraphs/id/<subgraphID>, waiting for a
// pool slot first. The returned error covers transport and HTTP-level
// failures only; GraphQL-level errors live in the body.
func (c *Client) Post(ctx context.Context, subgraphID, body string) ([]byte, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.active.Add(1)
	defer func() {
		c.active.Add(-1)
		<-c.slots
	}()

	url := c.baseURL + "/api/subgraphs/id/" + subgraphID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
