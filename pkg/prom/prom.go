// Package prom proxies read-only queries to a Prometheus backend. The
// payload is passed through verbatim; interpreting it is the dashboard's
// job, not ours.
package prom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the per-query timeout when none is configured.
const DefaultTimeout = 5 * time.Second

// Querier issues instant queries against the metrics backend.
type Querier interface {
	Query(ctx context.Context, expr string) (json.RawMessage, error)
}

// Compile-time interface check.
var _ Querier = (*Client)(nil)

// Client talks to the Prometheus HTTP API.
type Client struct {
	log        logrus.FieldLogger
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Prometheus client for the given base URL.
func NewClient(
	log logrus.FieldLogger,
	baseURL string,
	timeout time.Duration,
) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		log:        log.WithField("component", "prom"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Query runs an instant query and returns the raw response body.
func (c *Client) Query(
	ctx context.Context, expr string,
) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", expr)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/api/v1/query?"+q.Encode(),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying prometheus: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"querying prometheus: unexpected status %d", resp.StatusCode,
		)
	}

	return body, nil
}
