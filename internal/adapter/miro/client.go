// Package miro wraps the subset of the whiteboard REST API used by the
// change pipeline and classifies its failures into the pipeline's error
// taxonomy.
package miro

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// Config carries the endpoints and OAuth credentials for the upstream.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Timeout      time.Duration
}

// Client talks to the upstream API. All mutation verbs are idempotent on
// their resource id so at-least-once replay by the worker is safe.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client with an otel-instrumented transport.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.miro.com/v2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// CreateNode creates a graph node. PUT keeps replays idempotent.
func (c *Client) CreateNode(ctx domain.Context, nodeID string, data json.RawMessage, token string) error {
	_, err := c.do(ctx, http.MethodPut, "/graph/nodes/"+url.PathEscape(nodeID), data, token)
	return err
}

// UpdateCard applies changes to an existing card.
func (c *Client) UpdateCard(ctx domain.Context, cardID string, payload json.RawMessage, token string) error {
	_, err := c.do(ctx, http.MethodPatch, "/cards/"+url.PathEscape(cardID), payload, token)
	return err
}

// CreateShape creates a shape on boardID under the caller-chosen shapeID.
func (c *Client) CreateShape(ctx domain.Context, boardID, shapeID string, data json.RawMessage, token string) error {
	_, err := c.do(ctx, http.MethodPut, shapePath(boardID, shapeID), data, token)
	return err
}

// UpdateShape updates shapeID on boardID.
func (c *Client) UpdateShape(ctx domain.Context, boardID, shapeID string, data json.RawMessage, token string) error {
	_, err := c.do(ctx, http.MethodPatch, shapePath(boardID, shapeID), data, token)
	return err
}

// DeleteShape removes shapeID from boardID.
func (c *Client) DeleteShape(ctx domain.Context, boardID, shapeID string, token string) error {
	_, err := c.do(ctx, http.MethodDelete, shapePath(boardID, shapeID), nil, token)
	return err
}

// GetBoard fetches a board snapshot used by the debounced cache refresher.
func (c *Client) GetBoard(ctx domain.Context, boardID, token string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID), nil, token)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func shapePath(boardID, shapeID string) string {
	return "/boards/" + url.PathEscape(boardID) + "/shapes/" + url.PathEscape(shapeID)
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, token string) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("op=miro.request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Transport timeouts and resets are retryable.
		return nil, &domain.TransientError{Status: http.StatusServiceUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classify(resp); err != nil {
		return nil, err
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Status: http.StatusServiceUnavailable}
	}
	return out, nil
}

// classify maps an HTTP response to the three-class taxonomy the worker
// consults. 408/409/425 are deliberately in the transient class so retry
// decisions never inspect raw statuses.
func classify(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case code >= 500,
		code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly:
		return &domain.TransientError{Status: code}
	default:
		return &domain.PermanentError{Status: code}
	}
}

// ParseRetryAfter interprets a Retry-After header as delta-seconds or an
// HTTP-date relative to now, clamped at zero. Returns nil when absent or
// unparseable.
func ParseRetryAfter(header string, now time.Time) *time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		if d < 0 {
			d = 0
		}
		return &d
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now.UTC())
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
