package locust

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is the per-request timeout when none is configured.
	DefaultTimeout = 5 * time.Second

	// controlRetries is the number of retries for swarm/stop control
	// calls on top of the initial attempt.
	controlRetries = 2
)

// Source is the control and statistics surface of the load generator.
type Source interface {
	// BeginLoad starts swarming users against the target.
	BeginLoad(ctx context.Context, target string, users int, spawnRate float64) error

	// StopLoad tells the engine to stop driving load. Callers treat a
	// failure as tolerable; the engine may already be stopped.
	StopLoad(ctx context.Context) error

	// FetchStats returns the current statistics snapshot. Failures are
	// transient; callers retry on their own schedule.
	FetchStats(ctx context.Context) (*Snapshot, error)
}

// Compile-time interface check.
var _ Source = (*Client)(nil)

// Client talks to the Locust web API.
type Client struct {
	log        logrus.FieldLogger
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Locust client for the given base URL.
func NewClient(
	log logrus.FieldLogger,
	baseURL string,
	timeout time.Duration,
) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		log:        log.WithField("component", "locust"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BeginLoad form-POSTs /swarm. The call is retried with a short
// exponential backoff because a freshly launched engine may not be
// accepting control commands yet.
func (c *Client) BeginLoad(
	ctx context.Context,
	target string,
	users int,
	spawnRate float64,
) error {
	form := url.Values{}
	form.Set("user_count", strconv.Itoa(users))
	form.Set("spawn_rate", strconv.FormatFloat(spawnRate, 'f', -1, 64))
	form.Set("host", target)

	op := func() error {
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			c.baseURL+"/swarm",
			strings.NewReader(form.Encode()),
		)
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return c.do(req)
	}

	if err := backoff.Retry(op, c.controlBackoff(ctx)); err != nil {
		return fmt.Errorf("starting swarm: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"target":     target,
		"users":      users,
		"spawn_rate": spawnRate,
	}).Info("Swarm started")

	return nil
}

// StopLoad GETs /stop with the same retry policy as BeginLoad.
func (c *Client) StopLoad(ctx context.Context) error {
	op := func() error {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, c.baseURL+"/stop", nil,
		)
		if err != nil {
			return backoff.Permanent(err)
		}

		return c.do(req)
	}

	if err := backoff.Retry(op, c.controlBackoff(ctx)); err != nil {
		return fmt.Errorf("stopping swarm: %w", err)
	}

	c.log.Info("Swarm stop requested")

	return nil
}

// FetchStats GETs /stats/requests. No retry: the polling loop is the
// retry schedule.
func (c *Client) FetchStats(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/stats/requests", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building stats request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"fetching stats: unexpected status %d", resp.StatusCode,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading stats body: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("parsing stats payload: %w", err)
	}

	snap.Raw = body

	return &snap, nil
}

// do executes a control request and discards the body.
func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) controlBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.WithContext(
		backoff.WithMaxRetries(b, controlRetries), ctx,
	)
}
